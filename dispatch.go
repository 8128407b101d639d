package intercept

import "gitlab.com/tozd/go/errors"

// Sentinel values the entry stub's dispatcher hands back in place of a
// real syscall result, per spec.md §4.6. Chosen outside the valid
// syscall-error range of [-0xfff, 0).
const (
	UnhandledSyscall = -0x1000 // first of the pair; paired with one of the below
	UnhandledGeneric = -0x1001 // forward to the kernel via the direct path
	UnhandledClone   = -0x1002 // dispatch clone-with-new-stack through the child wrapper
)

// Syscall numbers the dispatcher special-cases, riscv64 ABI.
const (
	sysRtSigreturn = 139
	sysClone       = 220
	sysClone3      = 435
)

const cloneVfork = 0x00004000

// Registry indexes every activated patch by each of the three slot values
// a dispatch could present it under, so detectCurPatch runs in O(1) instead
// of scanning every patch per spec.md §9's "return-address keying" note.
type Registry struct {
	byRA  map[uint64]*PatchDescriptor // GW candidate: the live link register
	byStk map[uint64]*PatchDescriptor // MID candidate: the [sp, 0] stack slot
	byA7  map[uint64]*PatchDescriptor // SML candidate: the live a7 register
}

// NewRegistry indexes every patch across every object by its ReturnAddress,
// keyed under the slot appropriate to its class.
func NewRegistry(objects []*ObjectDescriptor) *Registry {
	r := &Registry{
		byRA:  make(map[uint64]*PatchDescriptor),
		byStk: make(map[uint64]*PatchDescriptor),
		byA7:  make(map[uint64]*PatchDescriptor),
	}
	for _, obj := range objects {
		for _, p := range obj.Patches {
			p.Object = obj
			switch p.SyscallNum {
			case TypeGW:
				r.byRA[p.ReturnAddress] = p
			case TypeMID:
				r.byStk[p.ReturnAddress] = p
			case TypeSML:
				r.byA7[p.ReturnAddress] = p
			}
		}
	}
	return r
}

// detectCurPatch implements spec.md §4.6's detect_cur_patch: given the
// three candidate values the assembly entry captured (live ra, the stack
// slot at [sp, 0], and live a7), find the patch that actually fired.
// SML and MID are checked before GW: when a SML or MID patch routes
// through a gateway, the gateway's own long jump also overwrites ra with
// its own return address as a side effect, so a naive GW-first check would
// misattribute the call to the gateway itself rather than the patch that
// actually issued the jal. Checking the more specific slots first resolves
// that collision; per spec.md §9 this is "first match wins."
func (r *Registry) detectCurPatch(liveA7, stackSlot0, liveRA uint64) (*PatchDescriptor, error) {
	if p, ok := r.byA7[liveA7]; ok {
		return p, nil
	}
	if p, ok := r.byStk[stackSlot0]; ok {
		return p, nil
	}
	if p, ok := r.byRA[liveRA]; ok {
		return p, nil
	}
	return nil, errors.WithDetails(ErrUnknownReturnAddr, "a7", liveA7, "stack0", stackSlot0, "ra", liveRA)
}

// getCurPatch is the post-clone logging path's lookup (spec.md §4.6 step
// 6). The original scanned every patch and kept the *last* match; spec.md
// §9 flags that as a likely source bug and directs implementers to treat
// it as first-match, consistent with detectCurPatch, which this does.
func (r *Registry) getCurPatch(liveA7, stackSlot0, liveRA uint64) *PatchDescriptor {
	p, _ := r.detectCurPatch(liveA7, stackSlot0, liveRA)
	return p
}

// Hook is the user-installed interception callback for
// intercept_hook_point (spec.md §5 "single global hook pointer", §6). It
// receives the six syscall arguments and the syscall number, and returns
// the replacement result plus whether to forward the call to the kernel.
type Hook func(num int64, a0, a1, a2, a3, a4, a5 uint64) (result int64, forward bool)

// CloneChildHook implements intercept_hook_point_clone_child (spec.md
// §6): invoked with no arguments in the freshly created child, right
// after a same-stack clone/clone3 this library forwarded on its behalf
// has returned there.
type CloneChildHook func()

// CloneParentHook implements intercept_hook_point_clone_parent (spec.md
// §6): invoked in the parent, once the same clone/clone3 call returns,
// with the new child's tid.
type CloneParentHook func(childTID int64)

// Regs is the register snapshot the assembly entry captured, mirroring
// struct intercept_regs (intercept_regs.h) field for field.
type Regs struct {
	A0, A1, A2, A3, A4, A5, A6, A7 uint64
	RA, SP                        uint64
}

// Dispatcher is C6 in full: the registry plus the installed hook and log
// sink, assembled once by Init and invoked from the cgo bridge on every
// trapped ecall. The lookup logic above runs on any GOARCH; Dispatch
// itself (dispatch_exec_riscv64.go) additionally issues real syscalls and
// reads live process memory, so it is riscv64-only.
type Dispatcher struct {
	Registry   *Registry
	Hook       Hook
	ChildHook  CloneChildHook
	ParentHook CloneParentHook
	Log        *SyncLog
}
