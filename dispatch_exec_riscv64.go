//go:build linux && riscv64

package intercept

// Dispatch implements spec.md §4.6's intercept_routine. Given a register
// snapshot it returns the (a0, a1) pair the assembly entry should install,
// mirroring the sentinel-or-real-result contract. stackSlot0 is read by the
// cgo bridge from [regs.SP, 0] before calling in, since that slot lives in
// the caller's stack frame rather than in any register.
func (d *Dispatcher) Dispatch(regs Regs, stackSlot0 uint64) (a0 int64, a1 int64) {
	p, err := d.Registry.detectCurPatch(regs.A7, stackSlot0, regs.RA)
	if err != nil {
		// Fatal per spec.md §4.6: an entry we cannot identify means the
		// planner's return-address uniqueness invariant was violated, or
		// activation wrote the wrong bytes. There is no safe fallback.
		panic(err)
	}

	num := int64(regs.A7)
	args := [6]uint64{regs.A0, regs.A1, regs.A2, regs.A3, regs.A4, regs.A5}

	if res, handled := d.handleMagicSyscall(num, args); handled {
		return res, 0
	}

	if d.Log != nil {
		d.Log.Write(p, num, args, "UNKNOWN", 0)
	}

	result := int64(0)
	forward := true
	if d.Hook != nil {
		result, forward = d.Hook(num, args[0], args[1], args[2], args[3], args[4], args[5])
	}

	switch {
	case num == sysRtSigreturn:
		return UnhandledSyscall, UnhandledGeneric
	case num == sysClone && (args[1] != 0 || args[0]&cloneVfork != 0):
		return UnhandledSyscall, UnhandledClone
	case num == sysClone3 && clone3HasStack(args[0]):
		return UnhandledSyscall, UnhandledClone
	}

	if forward {
		result = noIntercept(num, args)
		if (num == sysClone || num == sysClone3) && result >= 0 {
			d.InterceptRoutinePostClone(regs, stackSlot0, result == 0, result)
		}
	}

	if d.Log != nil {
		d.Log.Write(p, num, args, "KNOWN", result)
	}

	return result, 0
}

// InterceptRoutinePostClone implements spec.md §4.6 step 6: once a
// same-stack clone/clone3 call the entry forwarded on our behalf returns,
// dispatch to the real intercept_hook_point_clone_child or
// intercept_hook_point_clone_parent hook, not the main intercept_hook_point
// one — the two have distinct signatures (spec.md §6) and a caller needs
// to tell a genuine clone syscall interception apart from this post-clone
// notification. childResult is the raw clone/clone3 return value: the
// child's tid as seen by the parent, 0 in the child itself.
func (d *Dispatcher) InterceptRoutinePostClone(regs Regs, stackSlot0 uint64, isChild bool, childResult int64) {
	p := d.Registry.getCurPatch(regs.A7, stackSlot0, regs.RA)
	if p == nil {
		return
	}
	if isChild {
		if d.ChildHook != nil {
			d.ChildHook()
		}
		return
	}
	if d.ParentHook != nil {
		d.ParentHook(childResult)
	}
}
