//go:build linux && riscv64

package intercept

/*
static void intercept_clear_cache(void *start, void *end) {
	__builtin___clear_cache(start, end);
}
*/
import "C"

import "unsafe"

// clearICache flushes the instruction cache over [addr, addr+n), required
// after writing executable bytes the hart may have already speculatively
// fetched or cached from a previous incarnation of that address range.
func clearICache(addr uint64, n int) {
	start := unsafe.Pointer(uintptr(addr))
	end := unsafe.Pointer(uintptr(addr) + uintptr(n))
	C.intercept_clear_cache(start, end)
}
