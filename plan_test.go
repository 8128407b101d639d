package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacePatchReturnAddress(t *testing.T) {
	cases := []struct {
		name             string
		class            int64
		patchSizeBytes   int
		wantOffset       uint64 // ReturnAddress - DstJmpPatch
		linkAtPhysicalEnd bool
	}{
		{"GW jalr's link lands mid-patch, before the restore tail", TypeGW, TypeGWSize, 16, false},
		{"MID jal's link lands mid-patch, before the restore tail", TypeMID, TypeMIDSize, 12, false},
		{"SML bare jal has no trailing reload", TypeSML, SMLMinSize, 4, true},
		{"SML jal is first even with a trailing a7 reload", TypeSML, SMLReloadSize, 4, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &PatchDescriptor{
				SyscallAddr:    0x2000,
				SyscallNum:     tc.class,
				PatchSizeBytes: tc.patchSizeBytes,
				patchStartIdx:  SyscallIdx,
				patchEndIdx:    SyscallIdx,
			}
			placePatch(p, tc.patchSizeBytes)

			assert.Equal(t, tc.wantOffset, p.ReturnAddress-p.DstJmpPatch)

			if tc.linkAtPhysicalEnd {
				assert.Equal(t, p.DstJmpPatch+uint64(p.PatchSizeBytes), p.ReturnAddress)
			} else {
				assert.NotEqual(t, p.DstJmpPatch+uint64(p.PatchSizeBytes), p.ReturnAddress,
					"jump's link must not be keyed off the patch's physical end when a restore tail follows it")
			}
		})
	}
}

func TestPlacePatchNarrowsOverwriteIndicesToClassFootprint(t *testing.T) {
	// A trimmed window wider than MID's 20-byte footprint: five prefix
	// instructions (SyscallIdx-5..SyscallIdx-1) and four suffix
	// instructions (SyscallIdx+1..SyscallIdx+4), but the patch itself
	// (end-aligned at the ecall, forced by passing prefixBytes=20) only
	// overwrites [0x1ff0, 0x2004) — four of the five prefix instructions,
	// and none of the suffix.
	p := &PatchDescriptor{
		SyscallAddr:    0x2000,
		SyscallNum:     TypeMID,
		PatchSizeBytes: TypeMIDSize,
		patchStartIdx:  SyscallIdx - 5,
		patchEndIdx:    SyscallIdx + 4,
		Window: [WindowSize]InstrRecord{
			SyscallIdx - 5: {Addr: 0x1fec, Len: 4},
			SyscallIdx - 4: {Addr: 0x1ff0, Len: 4},
			SyscallIdx - 3: {Addr: 0x1ff4, Len: 4},
			SyscallIdx - 2: {Addr: 0x1ff8, Len: 4},
			SyscallIdx - 1: {Addr: 0x1ffc, Len: 4},
			SyscallIdx:     {Addr: 0x2000, Len: 4, IsSyscall: true},
			SyscallIdx + 1: {Addr: 0x2004, Len: 4},
			SyscallIdx + 2: {Addr: 0x2008, Len: 4},
			SyscallIdx + 3: {Addr: 0x200c, Len: 4},
			SyscallIdx + 4: {Addr: 0x2010, Len: 4},
		},
	}

	placePatch(p, 20)

	assert.Equal(t, uint64(0x1ff0), p.DstJmpPatch)
	// Stage A's wider span survives untouched (checkPatchAlignment still
	// needs it), but the narrowed overwrite range excludes the
	// SyscallIdx-5 entry (before DstJmpPatch) and every suffix entry
	// (DstJmpPatch+20 == 0x2004 is the first byte no longer overwritten).
	assert.Equal(t, SyscallIdx-5, p.patchStartIdx)
	assert.Equal(t, SyscallIdx+4, p.patchEndIdx)
	assert.Equal(t, SyscallIdx-4, p.overwriteStartIdx)
	assert.Equal(t, SyscallIdx, p.overwriteEndIdx)
}

func TestCheckOverlapsRejectsPatchesSharingOverwrittenBytes(t *testing.T) {
	obj := &ObjectDescriptor{
		Path: "/lib/libc.so.6",
		Patches: []*PatchDescriptor{
			{SyscallAddr: 0x2000, DstJmpPatch: 0x2000, PatchSizeBytes: TypeGWSize},
			{SyscallAddr: 0x2008, DstJmpPatch: 0x2008, PatchSizeBytes: TypeMIDSize},
		},
	}

	err := checkOverlaps(obj)
	assert.ErrorIs(t, err, ErrOverlappingPatch)
}

func TestCheckOverlapsAllowsAdjacentNonOverlappingPatches(t *testing.T) {
	obj := &ObjectDescriptor{
		Path: "/lib/libc.so.6",
		Patches: []*PatchDescriptor{
			{SyscallAddr: 0x2000, DstJmpPatch: 0x2000, PatchSizeBytes: TypeGWSize},
			{SyscallAddr: 0x201c, DstJmpPatch: 0x2018, PatchSizeBytes: TypeMIDSize},
		},
	}

	assert.NoError(t, checkOverlaps(obj))
}

func TestPlanPatchInvalidatesSyscallNumWhenPrefixLandsOnJumpTarget(t *testing.T) {
	// The instruction right before the ecall is a jump target; the
	// backward scan must stop exactly there (landingTruncated), and the
	// a7 value recoverStaticA7 would have captured earlier in the window
	// must not survive into classification. The first window is sized so
	// Stage B settles on MID, which needs no syscall number; the second
	// leaves room only for SML, which does, so only an invalidated
	// SyscallNum makes that site unpatchable.
	p := &PatchDescriptor{
		SyscallAddr: 0x2000,
		SyscallNum:  93, // as if recoverStaticA7 found "li a7, 93" earlier
		WindowValid: WindowSize,
		Window: [WindowSize]InstrRecord{
			SyscallIdx - 1: {Addr: 0x1ffc, Len: 4},
			SyscallIdx:     {Addr: 0x2000, Len: 4, IsSyscall: true},
			SyscallIdx + 1: {Addr: 0x2004, Len: 4},
			SyscallIdx + 2: {Addr: 0x2008, Len: 4},
			SyscallIdx + 3: {Addr: 0x200c, Len: 4},
		},
	}
	jumpTargets := map[uint64]struct{}{0x1ffc: {}}

	require.NoError(t, planPatch(p, jumpTargets, false))

	assert.Equal(t, SyscallIdx-1, p.patchStartIdx)
	assert.Equal(t, int64(TypeMID), p.SyscallNum, "a MID-sized site still classifies after the landing truncates the prefix")

	narrow := &PatchDescriptor{
		SyscallAddr: 0x2000,
		SyscallNum:  93,
		WindowValid: WindowSize,
		Window: [WindowSize]InstrRecord{
			SyscallIdx - 1: {Addr: 0x1ffc, Len: 4},
			SyscallIdx:     {Addr: 0x2000, Len: 4, IsSyscall: true},
		},
	}
	assert.ErrorIs(t, planPatch(narrow, jumpTargets, false), ErrSiteUnpatchable,
		"SML must not be chosen on the stale 93")
}

func TestTwoEcallsSpanPrefersMIDPastFirstEcallWhenSyscallNumUnknown(t *testing.T) {
	// syscall_num unknown rules out SML entirely (it needs a static a7),
	// so even though a short span up to the first ecall alone would be
	// enough room for an ordinary SML fit, the helper must skip straight
	// to a MID-sized span reaching past the first ecall.
	p := &PatchDescriptor{
		SyscallNum: TypeUnknown,
		Window: [WindowSize]InstrRecord{
			SyscallIdx - 1: {Addr: 0x1ffc, Len: 4},
			SyscallIdx:     {Addr: 0x2000, Len: 4, IsSyscall: true},
			SyscallIdx + 1: {Addr: 0x2004, Len: 4},
			SyscallIdx + 2: {Addr: 0x2008, Len: 4},
			SyscallIdx + 3: {Addr: 0x200c, Len: 4},
			SyscallIdx + 4: {Addr: 0x2010, Len: 4, IsSyscall: true},
		},
	}

	end := twoEcallsSpan(p, SyscallIdx-1, SyscallIdx+4, false)

	// start..end must sum to at least TypeMIDSize (20 bytes) and reach
	// past the first ecall (SyscallIdx), landing before the second one.
	assert.Greater(t, end, SyscallIdx)
	assert.Less(t, end, SyscallIdx+4)
}

func TestTwoEcallsSpanFallsBackToSMLUpToSecondEcallWhenNothingElseFits(t *testing.T) {
	// Known syscall_num but no room for a MID span anywhere, and no SML
	// fit up to the first ecall either: the only remaining option is an
	// SML fit reaching into the room up to the second ecall.
	p := &PatchDescriptor{
		SyscallNum:     93,
		ReturnRegister: regA7,
		Window: [WindowSize]InstrRecord{
			SyscallIdx:     {Addr: 0x2000, Len: 4, IsSyscall: true},
			SyscallIdx + 1: {Addr: 0x2004, Len: 4},
			SyscallIdx + 2: {Addr: 0x2008, Len: 4, IsSyscall: true},
		},
	}

	end := twoEcallsSpan(p, SyscallIdx, SyscallIdx+2, false)

	assert.Equal(t, SyscallIdx+1, end)
}

func TestCheckPatchAlignmentUsesPatchEndNotReturnAddress(t *testing.T) {
	p := &PatchDescriptor{
		SyscallAddr:    0x2000,
		SyscallNum:     TypeSML,
		PatchSizeBytes: SMLReloadSize,
		patchStartIdx:  SyscallIdx,
		patchEndIdx:    SyscallIdx,
		Window: [WindowSize]InstrRecord{
			SyscallIdx: {Addr: 0x2000, Len: 4, IsSyscall: true},
		},
	}
	placePatch(p, SMLReloadSize)

	// Must not panic or misbehave when PatchSizeBytes-derived end differs
	// from ReturnAddress; this only documents the invariant checkPatchAlignment
	// relies on (its own local patchEnd, not p.ReturnAddress).
	assert.NotPanics(t, func() { checkPatchAlignment(p, true) })
}
