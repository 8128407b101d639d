package intercept

import "gitlab.com/tozd/go/errors"

// Sentinel conditions, tested with errors.Is, mirroring the teacher's
// package-level errors.Base declarations.
var (
	ErrLibcNotFound          = errors.Base("libc not found among loaded objects")
	ErrSiteUnpatchable       = errors.Base("syscall site cannot be patched in any class")
	ErrNoGateway             = errors.Base("no GW gateway within reach")
	ErrRelocBufferFull       = errors.Base("relocation buffer exhausted")
	ErrOverlappingPatch      = errors.Base("patch overwrite range overlaps an existing patch")
	ErrDuplicateReturnAddr   = errors.Base("return address collides with an existing patch")
	ErrUnknownReturnAddr     = errors.Base("dispatcher received an unrecognised return address")
	ErrAlreadyInitialized    = errors.Base("intercept: already initialized")
	ErrObjectPathNotFound    = errors.Base("could not resolve object path")
	ErrTextSegmentNotFound   = errors.Base("object has no executable segment")
	ErrNotRISCV64            = errors.Base("intercept: only linux/riscv64 is supported")
	ErrTrampolineUnsupported = errors.Base("object lies beyond direct jump reach of the relocation buffer; trampoline bridging is not implemented")
)
