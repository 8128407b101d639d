package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelocationBufferAllocWriteUsed(t *testing.T) {
	buf := NewRelocationBufferOver(0x80000000, make([]byte, 64))

	addr, err := buf.Alloc(8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80000000), addr)
	assert.Equal(t, 8, buf.Used())

	buf.Write(addr, []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.Data[0:4])

	_, err = buf.Alloc(1000)
	assert.ErrorIs(t, err, ErrRelocBufferFull)
}

func TestBuildPatchBlockGWAllocatesAndShrinksToActualSize(t *testing.T) {
	obj := &ObjectDescriptor{TextStart: 0x1000, text: make([]byte, 0x100)}
	p := &PatchDescriptor{
		SyscallAddr:       0x1010,
		SyscallNum:        TypeGW,
		ReturnRegister:    regRA,
		patchStartIdx:     SyscallIdx,
		patchEndIdx:       SyscallIdx,
		overwriteStartIdx: SyscallIdx,
		overwriteEndIdx:   SyscallIdx,
		Window: [WindowSize]InstrRecord{
			SyscallIdx: {Addr: 0x1010, Len: 4, IsSyscall: true},
		},
	}

	buf := NewRelocationBufferOver(0x80000000, make([]byte, 4096))
	require.NoError(t, buildPatchBlock(buf, obj, p, 0, 8, 0x80100000))

	assert.NotZero(t, p.RelocationAddr)
	assert.Equal(t, buf.Base, p.RelocationAddr)
	// No displaced prefix/suffix and ra isn't used around the call, so the
	// block is just one long jump (8 bytes) plus the finalization sequence
	// (its own auipc/jalr long jump; ReturnRegister == ra means no ra reload).
	assert.Less(t, buf.Used(), relocBlockUpperBound(p))
	assert.Greater(t, buf.Used(), 0)
}

func TestBuildPatchBlockOnlyCopiesInstructionsInsideOverwriteRange(t *testing.T) {
	// obj.text holds four recognisable 4-byte words: one strictly before
	// DstJmpPatch (outside overwriteStartIdx, must not be copied), one at
	// DstJmpPatch (the real displaced prefix), the ecall, and the word
	// right after the ecall, which the hand-set overwriteEndIdx (stopping
	// at the ecall) also leaves outside the overwrite range.
	text := make([]byte, 0x30)
	putWord(text, 0x00, 0xdeadbeef) // obj.TextStart+0x00 = 0x1000, before overwriteStartIdx
	putWord(text, 0x04, 0xcafef00d) // 0x1004 == DstJmpPatch, the real prefix
	putWord(text, 0x08, 0x00000073) // 0x1008 == SyscallAddr, the ecall
	putWord(text, 0x0c, 0xfeedface) // 0x100c, after overwriteEndIdx

	obj := &ObjectDescriptor{TextStart: 0x1000, text: text}
	p := &PatchDescriptor{
		SyscallAddr:       0x1008,
		SyscallNum:        TypeMID,
		PatchSizeBytes:    TypeMIDSize,
		ReturnRegister:    regRA,
		DstJmpPatch:       0x1004,
		patchStartIdx:     SyscallIdx - 2,
		patchEndIdx:       SyscallIdx + 1,
		overwriteStartIdx: SyscallIdx - 1,
		overwriteEndIdx:   SyscallIdx,
		Window: [WindowSize]InstrRecord{
			SyscallIdx - 2: {Addr: 0x1000, Len: 4},
			SyscallIdx - 1: {Addr: 0x1004, Len: 4},
			SyscallIdx:     {Addr: 0x1008, Len: 4, IsSyscall: true},
			SyscallIdx + 1: {Addr: 0x100c, Len: 4},
		},
	}

	buf := NewRelocationBufferOver(0x80000000, make([]byte, 4096))
	require.NoError(t, buildPatchBlock(buf, obj, p, 0, 8, 0x80100000))

	block := buf.Data[0:buf.Used()]
	assert.Contains(t, string(block), string(text[0x04:0x08]), "the real displaced prefix must be copied")
	assert.NotContains(t, string(block), string(text[0x00:0x04]), "untouched bytes before DstJmpPatch must not be replayed")
	assert.NotContains(t, string(block), string(text[0x0c:0x10]), "untouched bytes after the overwrite range must not be replayed")
}

func putWord(buf []byte, off int, w uint32) {
	buf[off] = byte(w)
	buf[off+1] = byte(w >> 8)
	buf[off+2] = byte(w >> 16)
	buf[off+3] = byte(w >> 24)
}

func TestBuildPatchBlockMIDReshapesStackSlotInFinalization(t *testing.T) {
	p := &PatchDescriptor{SyscallNum: TypeMID, ReturnRegister: regRA, ReturnAddress: 0x1010}
	seq := finalizationSequence(p, 0x80000000)
	assert.NotEmpty(t, seq)

	// ld t0, 0(sp) + sd t0, 8(sp) ahead of the same long jump a GW gets.
	gw := finalizationSequence(&PatchDescriptor{SyscallNum: TypeGW, ReturnRegister: regRA, ReturnAddress: 0x1010}, 0x80000000)
	assert.Len(t, seq, len(gw)+8)
	assert.Equal(t, regT0, decodeAt(t, seq[0:4], 0x80000000).RegSet)
}

func TestFinalizationSequenceSMLUndoesGatewayStackAdjustment(t *testing.T) {
	withoutSML := finalizationSequence(&PatchDescriptor{SyscallNum: TypeGW, ReturnRegister: regRA, ReturnAddress: 0x1010}, 0x80000000)
	withSML := finalizationSequence(&PatchDescriptor{SyscallNum: TypeSML, ReturnRegister: regRA, ReturnAddress: 0x1010}, 0x80000000)
	assert.Greater(t, len(withSML), len(withoutSML))
}

func TestFinalizationSequenceJumpsToReturnAddressImmediate(t *testing.T) {
	// The resume target is baked in as an auipc/jalr pair against
	// p.ReturnAddress, not read back from any stack slot: decoding the
	// trailing jalr must reveal an absolute jump, and varying
	// ReturnAddress alone (nothing else) must change the encoded bytes.
	p1 := &PatchDescriptor{SyscallNum: TypeGW, ReturnRegister: regRA, ReturnAddress: 0x1010}
	p2 := &PatchDescriptor{SyscallNum: TypeGW, ReturnRegister: regRA, ReturnAddress: 0x2020}
	seq1 := finalizationSequence(p1, 0x80000000)
	seq2 := finalizationSequence(p2, 0x80000000)
	assert.NotEqual(t, seq1, seq2)

	rec := decodeAt(t, seq1[4:8], 0x80000004)
	assert.True(t, rec.IsAbsJump)
	assert.Equal(t, regZero, rec.RegSet)
}
