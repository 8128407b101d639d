//go:build linux && riscv64

package intercept

/*
#include "intercept_regs.h"
void *intercept_asm_entry_addr(void);
void *intercept_gw_redirect_addr(void);
*/
import "C"

// asmEntryAddr returns the address of intercept_asm_entry (entry_riscv64.c),
// the second hop every relocation block's jalr targets.
func asmEntryAddr() uint64 {
	return uint64(uintptr(C.intercept_asm_entry_addr()))
}

// gwRedirectAddr returns the address of intercept_gw_redirect
// (entry_riscv64.c), the shared landing point every GW gateway's own long
// jump targets (buildGWBytes), replacing what used to be a hard-coded
// jump straight into the gateway's own relocation block.
func gwRedirectAddr() uint64 {
	return uint64(uintptr(C.intercept_gw_redirect_addr()))
}
