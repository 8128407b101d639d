//go:build linux && riscv64

package intercept

// Syscalls the library issues for its own bookkeeping (relocation buffer
// and text-page protection flips) and must never forward through the user
// hook, or a hook that itself calls into patched code would recurse into
// its own mmap/mprotect traffic. Mirrors original_source's is_magic_syscall,
// with riscv64's asm-generic __NR_* numbers rather than x86_64's.
var magicSyscalls = map[int64]bool{
	215: true, // munmap
	216: true, // mremap
	222: true, // mmap
	226: true, // mprotect
}

// handleMagicSyscall implements spec.md §4.6 step 1. A magic syscall is
// always satisfied directly, bypassing logging and the user hook entirely;
// handled reports whether num was one of these.
func (d *Dispatcher) handleMagicSyscall(num int64, args [6]uint64) (result int64, handled bool) {
	if !magicSyscalls[num] {
		return 0, false
	}
	return noIntercept(num, args), true
}
