//go:build linux && riscv64

package intercept

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"gitlab.com/tozd/go/errors"
)

// RelocBufferSize is the process-wide relocation buffer's fixed capacity.
// One buffer serves every patched object; spec.md §4.4 does not mandate a
// size, so this is sized generously for the handful of ecall sites a
// typical libc/libpthread pair exposes, with headroom for INTERCEPT_ALL_OBJS.
const RelocBufferSize = 1 << 20

// newRelocationBuffer allocates the process-wide relocation buffer via an
// anonymous mmap, writable (not yet executable) so C4 can build into it;
// Finalize flips it read+execute once every patch block has been written.
func newRelocationBuffer() (*RelocationBuffer, error) {
	data, err := unix.Mmap(-1, 0, RelocBufferSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.WithMessage(err, "mmap relocation buffer")
	}
	base := uint64(uintptr(unsafe.Pointer(&data[0])))
	return NewRelocationBufferOver(base, data), nil
}

// Finalize flushes the instruction cache over the buffer's written extent
// and drops write permission, per spec.md §4.4's "made writable only during
// construction; a cache-flush precedes returning it to R+X."
func (b *RelocationBuffer) Finalize() error {
	clearICache(b.Base, b.Used())
	if err := unix.Mprotect(b.Data, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.WithMessage(err, "mprotect relocation buffer")
	}
	return nil
}
