package intercept

import "gitlab.com/tozd/go/errors"

// RelocationBuffer is the process-wide, page-aligned scratch region C4
// (the relocation writer) builds into and C5 (the activator) ultimately
// exposes as read+execute. Its construction (how the backing memory is
// obtained and how page protection is flipped) is architecture-specific
// and lives in relocbuf_riscv64.go; the byte-level layout logic here is
// pure and runs on any GOARCH so it can be unit tested without a live
// riscv64 process.
type RelocationBuffer struct {
	Base   uint64
	Data   []byte
	cursor int
}

// NewRelocationBufferOver wraps an already-allocated byte slice (backed by
// whatever memory base corresponds to) as a RelocationBuffer. Production
// code calls this through newRelocationBuffer (relocbuf_riscv64.go), which
// supplies an mmap'd region; tests call it directly over a plain slice.
func NewRelocationBufferOver(base uint64, data []byte) *RelocationBuffer {
	return &RelocationBuffer{Base: base, Data: data}
}

// Alloc reserves n bytes from the cursor and returns their address.
func (b *RelocationBuffer) Alloc(n int) (uint64, error) {
	if b.cursor+n > len(b.Data) {
		return 0, errors.WithDetails(ErrRelocBufferFull, "requested", n, "used", b.cursor, "capacity", len(b.Data))
	}
	addr := b.Base + uint64(b.cursor)
	b.cursor += n
	return addr, nil
}

// Write copies p into the buffer starting at addr, which must have come
// from a prior Alloc on the same buffer.
func (b *RelocationBuffer) Write(addr uint64, p []byte) {
	off := int(addr - b.Base)
	copy(b.Data[off:], p)
}

// Used reports how many bytes of the buffer are currently allocated.
func (b *RelocationBuffer) Used() int { return b.cursor }

// instrBytes slices the original object text for the instruction window
// entries [lo, hi] (inclusive), returning their bytes back to back exactly
// as they appear in the live object, for verbatim copying into a
// relocation block.
func instrBytes(obj *ObjectDescriptor, p *PatchDescriptor, lo, hi int) []byte {
	if lo > hi {
		return nil
	}
	start := p.Window[lo].Addr
	end := p.Window[hi].Addr + uint64(p.Window[hi].Len)
	so := start - obj.TextStart
	eo := end - obj.TextStart
	return obj.text[so:eo]
}

// buildPatchBlock implements C4 (spec.md §4.4) for one patch: it emits,
// into buf, the displaced instructions plus glue jumps to/from the
// assembly entry, and records the resulting address in p.RelocationAddr.
// entryAddr is the address of the shared assembly entry stub
// (intercept_asm_entry in entry_riscv64.c);
// raOrigOff/raTempOff are the tp-relative offsets of the two thread-local
// words used to save/restore the caller's ra across the displaced window.
func buildPatchBlock(buf *RelocationBuffer, obj *ObjectDescriptor, p *PatchDescriptor, raOrigOff, raTempOff int64, entryAddr uint64) error {
	var block []byte

	emitRASwapIn := func() {
		block = encodeSD(block, regTP, regRA, raTempOff)
		block = encodeLD(block, regRA, regTP, raOrigOff)
	}
	emitRASwapOut := func() {
		block = encodeSD(block, regTP, regRA, raOrigOff)
		block = encodeLD(block, regRA, regTP, raTempOff)
	}

	if p.IsRAUsedBefore {
		emitRASwapIn()
	}
	block = append(block, instrBytes(obj, p, p.overwriteStartIdx, SyscallIdx-1)...)
	if p.IsRAUsedBefore {
		emitRASwapOut()
	}

	// The address of the *next* instruction (the call into entry) is
	// needed to encode the auipc+jalr pair relative to it; reserve the
	// whole block up front against a generous upper bound, then shrink.
	addr, err := buf.Alloc(relocBlockUpperBound(p))
	if err != nil {
		return err
	}
	p.RelocationAddr = addr

	callSrc := addr + uint64(len(block))
	block = encodeLongJump(block, regRA, callSrc, entryAddr)

	if p.overwriteEndIdx > SyscallIdx {
		if p.IsRAUsedAfter {
			emitRASwapIn()
		}
		block = append(block, instrBytes(obj, p, SyscallIdx+1, p.overwriteEndIdx)...)
		if p.IsRAUsedAfter {
			emitRASwapOut()
		}
		callSrc2 := addr + uint64(len(block))
		block = encodeLongJump(block, regRA, callSrc2, entryAddr)
	}

	block = append(block, finalizationSequence(p, addr+uint64(len(block)))...)

	buf.Write(addr, block)
	// Shrink the reservation to what was actually used so the next
	// patch's block starts immediately after, not at the padded bound.
	buf.cursor -= relocBlockUpperBound(p) - len(block)

	return nil
}

// finalizationSequence implements spec.md §4.4 step 6: restore the
// original ra (unless the patch's own return register already is ra),
// reshape the stack for MID (which shares the GW prologue), undo the GW
// stack allocation for SML (which never made one itself), then jump back
// to p.ReturnAddress.
//
// The resume target is a plan-time constant (the address, inside the
// patched site's own bytes, of the class's restore tail — see placePatch),
// not something any prologue ever writes to the stack: there is no slot
// to load it from, so it is embedded directly as an auipc/jalr pair
// (encodeLongJump) rather than read back through the return register.
// srcAddr is this sequence's own address inside the relocation block, the
// pc the auipc needs to compute its delta against.
func finalizationSequence(p *PatchDescriptor, srcAddr uint64) []byte {
	var buf []byte
	if p.ReturnRegister != regRA {
		buf = encodeLD(buf, regRA, regSP, 0)
	}
	switch p.SyscallNum {
	case TypeMID:
		buf = encodeLD(buf, regT0, regSP, 0)
		buf = encodeSD(buf, regSP, regT0, 8)
	case TypeSML:
		buf = encodeADDI(buf, regSP, regSP, 48)
	}
	buf = encodeLongJump(buf, regZero, srcAddr+uint64(len(buf)), p.ReturnAddress)
	return buf
}

// relocBlockUpperBound over-estimates the bytes buildPatchBlock might
// write for p, bounding how much of the buffer to reserve before the
// exact size is known (the exact size depends on how many displaced
// instructions there are, which varies per patch).
func relocBlockUpperBound(p *PatchDescriptor) int {
	prefix := instrByteLenUpperBound(p, p.overwriteStartIdx, SyscallIdx-1)
	suffix := instrByteLenUpperBound(p, SyscallIdx+1, p.overwriteEndIdx)
	// Two ra-swap pairs (4 instructions each) worst case, two long jumps
	// (8 bytes each) for the prefix/suffix calls into the entry stub, and
	// the finalization sequence's own worst case: one ra restore + a
	// two-instruction stack reshape (MID) + its own long jump (5
	// instructions, 20 bytes).
	return prefix + suffix + 2*4*4 + 2*8 + 5*4
}

func instrByteLenUpperBound(p *PatchDescriptor, lo, hi int) int {
	n := 0
	for j := lo; j <= hi; j++ {
		if j < 0 || j >= len(p.Window) {
			continue
		}
		n += p.Window[j].Len
	}
	return n
}
