//go:build linux && riscv64

package intercept

/*
#include <stdint.h>
#include <stddef.h>

static _Thread_local uint64_t asm_ra_orig;
static _Thread_local uint64_t asm_ra_temp;

// intercept_tp_offset returns the byte offset of &sym relative to the
// thread pointer (tp, x4), the same quantity spec.md §5 describes as
// being "computed once during startup" for asm_ra_orig/asm_ra_temp: the
// relocation writer needs it to emit tp-relative loads/stores, since the
// two words are thread-local rather than process-global.
static int64_t intercept_tp_offset(const void *sym) {
	register uint64_t tp asm("tp");
	return (int64_t)((uint64_t)sym - tp);
}

int64_t intercept_ra_orig_offset(void) { return intercept_tp_offset(&asm_ra_orig); }
int64_t intercept_ra_temp_offset(void) { return intercept_tp_offset(&asm_ra_temp); }
*/
import "C"

// tlsOffsets returns the tp-relative byte offsets of the two thread-local
// words the relocation writer and assembly entry share, asm_ra_orig and
// asm_ra_temp (spec.md §5 "Shared mutable state").
func tlsOffsets() (raOrigOff, raTempOff int64) {
	return int64(C.intercept_ra_orig_offset()), int64(C.intercept_ra_temp_offset())
}
