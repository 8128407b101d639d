//go:build linux && riscv64

package intercept

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// noIntercept is the no-intercept primitive (spec.md GLOSSARY): a raw
// syscall that bypasses every patched site. Go's own syscall stubs already
// issue a bare ecall rather than calling through libc, even in a cgo
// binary, so golang.org/x/sys/unix.Syscall6 is a faithful home for it.
func noIntercept(num int64, args [6]uint64) int64 {
	r1, _, errno := unix.Syscall6(uintptr(num), uintptr(args[0]), uintptr(args[1]), uintptr(args[2]), uintptr(args[3]), uintptr(args[4]), uintptr(args[5]))
	if errno != 0 {
		return -int64(errno)
	}
	return int64(r1)
}

// clone3ArgsStackOffset is the byte offset of struct clone_args.stack
// (include/uapi/linux/sched.h), fixed by the kernel ABI: flags, pidfd,
// child_tid, parent_tid, exit_signal precede it, five u64 fields.
const clone3ArgsStackOffset = 5 * 8

// clone3HasStack reads the stack member out of the clone_args struct a
// clone3 call points at, per spec.md §4.6 step 4's special case.
func clone3HasStack(argsPtr uint64) bool {
	if argsPtr == 0 {
		return false
	}
	p := (*uint64)(unsafe.Pointer(uintptr(argsPtr + clone3ArgsStackOffset)))
	return *p != 0
}
