package intercept

import "gitlab.com/tozd/go/errors"

// ErrDecode is returned by decodeOne when it meets bytes it cannot make
// sense of. It never means "this is a syscall site problem" — it means the
// bytes at this address are not a RISC-V64 instruction this decoder knows,
// which during a linear text scan usually means the scan has wandered into
// a literal pool or padding between functions.
var ErrDecode = errors.Base("disasm: could not decode instruction")

// decoder is the documented contract spec.md §4.2 places on the
// disassembler: a pure function from bytes-at-an-address to an InstrRecord,
// with no knowledge of patches, windows or syscall classification. The
// scanner (scan.go) is the only caller.
//
// There is no existing Go package in the retrieval pack (or a stated
// ecosystem candidate) for decoding RISC-V64 machine code, so this leaf is
// implemented in-package from the public RISC-V instruction encoding
// rather than imported; see DESIGN.md.
type decoder interface {
	// decode returns the InstrRecord for the instruction at addr, whose
	// encoding starts at data[0]. len(data) is at least 4 (the caller
	// guarantees this by never calling decode within 4 bytes of the end
	// of a text segment).
	decode(data []byte, addr uint64) (InstrRecord, error)
}

// rvDecoder is the concrete decoder used throughout this package.
type rvDecoder struct{}

var defaultDecoder decoder = rvDecoder{}
