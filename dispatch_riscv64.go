//go:build linux && riscv64

package intercept

/*
#include "intercept_regs.h"
*/
import "C"

import "unsafe"

// globalDispatcher is the single dispatcher instance Init builds; the cgo
// export below is the only caller, itself only reachable from
// intercept_asm_entry once activation has completed, so no locking is
// needed around the pointer itself (spec.md §5 "initialise-once,
// freeze-before-publish").
var globalDispatcher *Dispatcher

// intercept_dispatch is called from entry_riscv64.c's intercept_asm_entry.
// It reads the register snapshot, reads the [sp, 0] stack slot the MID
// class relies on, runs the dispatcher, and writes its (a0, a1) result pair
// into the snapshot's disp0/disp1 fields for the asm stub to act on.
//
//export intercept_dispatch
func intercept_dispatch(regs *C.struct_intercept_regs) C.int64_t {
	r := Regs{
		A0: uint64(regs.a0), A1: uint64(regs.a1), A2: uint64(regs.a2),
		A3: uint64(regs.a3), A4: uint64(regs.a4), A5: uint64(regs.a5),
		A6: uint64(regs.a6), A7: uint64(regs.a7),
		RA: uint64(regs.ra), SP: uint64(regs.sp),
	}

	stackSlot0 := *(*uint64)(unsafe.Pointer(uintptr(r.SP)))

	a0, a1 := globalDispatcher.Dispatch(r, stackSlot0)

	regs.disp0 = C.int64_t(a0)
	regs.disp1 = C.int64_t(a1)
	return C.int64_t(a0)
}

// intercept_resolve_target is called from entry_riscv64.c's
// intercept_gw_redirect, the landing point every GW gateway's long jump
// shares with every MID/SML site relayed through it. It runs the same
// identification detect_cur_patch does and hands back the address of the
// patch that actually fired, so the caller can tail-jump straight into
// that patch's own relocation block rather than always continuing into
// the gateway's.
//
//export intercept_resolve_target
func intercept_resolve_target(regs *C.struct_intercept_regs) C.int64_t {
	stackSlot0 := *(*uint64)(unsafe.Pointer(uintptr(regs.sp)))
	p, err := globalDispatcher.Registry.detectCurPatch(uint64(regs.a7), stackSlot0, uint64(regs.ra))
	if err != nil {
		panic(err)
	}
	return C.int64_t(p.RelocationAddr)
}
