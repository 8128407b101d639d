package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objWithPatches(patches ...*PatchDescriptor) *ObjectDescriptor {
	return &ObjectDescriptor{Patches: patches}
}

func TestRegistryDetectCurPatchPrefersMoreSpecificSlots(t *testing.T) {
	gw := &PatchDescriptor{SyscallNum: TypeGW, ReturnAddress: 0x1000}
	mid := &PatchDescriptor{SyscallNum: TypeMID, ReturnAddress: 0x2000}
	sml := &PatchDescriptor{SyscallNum: TypeSML, ReturnAddress: 0x3000}

	r := NewRegistry([]*ObjectDescriptor{objWithPatches(gw, mid, sml)})

	// The gateway's own jump clobbers ra with gw.ReturnAddress even when
	// the call actually came in through the SML patch (live a7 ==
	// sml.ReturnAddress): SML must win, not GW.
	got, err := r.detectCurPatch(sml.ReturnAddress, 0, gw.ReturnAddress)
	require.NoError(t, err)
	assert.Same(t, sml, got)

	// Same collision for MID: the [sp,0] stack slot is the deciding value.
	got, err = r.detectCurPatch(0, mid.ReturnAddress, gw.ReturnAddress)
	require.NoError(t, err)
	assert.Same(t, mid, got)

	// With no SML/MID match, the live ra slot resolves to the GW patch.
	got, err = r.detectCurPatch(0, 0, gw.ReturnAddress)
	require.NoError(t, err)
	assert.Same(t, gw, got)
}

func TestRegistryDetectCurPatchUnknown(t *testing.T) {
	r := NewRegistry([]*ObjectDescriptor{objWithPatches(
		&PatchDescriptor{SyscallNum: TypeGW, ReturnAddress: 0x1000},
	)})

	_, err := r.detectCurPatch(0xdead, 0xbeef, 0xf00d)
	assert.ErrorIs(t, err, ErrUnknownReturnAddr)
}

func TestNewRegistrySetsObjectBackReference(t *testing.T) {
	p := &PatchDescriptor{SyscallNum: TypeGW, ReturnAddress: 0x1000}
	obj := objWithPatches(p)
	obj.Path = "/lib/libc.so.6"

	NewRegistry([]*ObjectDescriptor{obj})

	assert.Same(t, obj, p.Object)
}

func TestGetCurPatchMatchesDetectCurPatchOrdering(t *testing.T) {
	mid := &PatchDescriptor{SyscallNum: TypeMID, ReturnAddress: 0x2000}
	sml := &PatchDescriptor{SyscallNum: TypeSML, ReturnAddress: 0x2000}

	// Two patches sharing the same numeric value under different slot
	// kinds: the SML slot must still win since it is checked first,
	// matching detectCurPatch's priority rather than the original
	// "last match" scan spec.md §9 flags as buggy.
	r := NewRegistry([]*ObjectDescriptor{objWithPatches(mid, sml)})
	got := r.getCurPatch(0x2000, 0x2000, 0)
	assert.Same(t, sml, got)
}
