package intercept

import "gitlab.com/tozd/go/errors"

// isReturnLike reports whether rec is a "ret"-shaped instruction: a
// register-indirect jump that discards its link (writes x0) and consumes
// ra as its target. spec.md §4.3 Stage A explicitly permits returns among
// the copiable-after instructions even though they are, in every other
// respect, an absolute jump.
func isReturnLike(rec InstrRecord) bool {
	return rec.IsAbsJump && rec.RegSet == regZero && rec.IsRAUsed
}

func copiableBefore(rec InstrRecord) bool {
	return !rec.HasIPRelativeOpr && !rec.IsAbsJump && !rec.IsSyscall
}

func copiableAfter(rec InstrRecord) bool {
	if rec.IsSyscall {
		return false
	}
	if rec.HasIPRelativeOpr {
		return false
	}
	if rec.IsAbsJump && !isReturnLike(rec) {
		return false
	}
	return true
}

// trimWindow runs Stage A: starting from the ecall at SyscallIdx, it finds
// the maximal contiguous [start, end] span (inclusive, indices into
// Window) such that no instruction strictly inside the span (other than
// the leftmost) is a jump target, every instruction before the ecall is
// copiable-before and every instruction after is copiable-after.
//
// landingTruncated reports whether the backward scan stopped because it
// landed exactly on a jump target (the ecall itself included) rather than
// running out of copiable-before instructions. When it does, start is
// forced to that instruction and any
// a7 value recoverStaticA7 captured earlier in the (untrimmed) window can no
// longer be trusted: execution can jump directly into start, bypassing
// whatever set a7 before it. The caller invalidates p.SyscallNum in
// response, mirroring check_surrounding_instructions's syscall_num = -1.
func trimWindow(p *PatchDescriptor, jumpTargets map[uint64]struct{}) (start, end int, landingTruncated bool) {
	start = SyscallIdx
	// An ecall that is itself a jump landing must stay the leftmost
	// instruction: no prefix may be added in front of it.
	_, ecallIsTarget := jumpTargets[p.Window[SyscallIdx].Addr]
	landingTruncated = ecallIsTarget
	for !ecallIsTarget && start-1 >= 0 {
		cand := p.Window[start-1]
		if cand.Len == 0 {
			break
		}
		if !copiableBefore(cand) {
			break
		}
		// A jump landing stops expansion *at* that instruction: it
		// becomes the new leftmost instruction (still included), but
		// expansion goes no further left than it, per spec.md §4.3.
		if _, isTarget := jumpTargets[cand.Addr]; isTarget {
			start--
			landingTruncated = true
			break
		}
		start--
	}

	end = SyscallIdx
	for end+1 <= p.WindowValid-1 {
		cand := p.Window[end+1]
		if cand.Len == 0 {
			break
		}
		if _, isTarget := jumpTargets[cand.Addr]; isTarget {
			break
		}
		if !copiableAfter(cand) {
			break
		}
		end++
	}

	return start, end, landingTruncated
}

func sumLen(p *PatchDescriptor, lo, hi int) int {
	n := 0
	for j := lo; j <= hi; j++ {
		n += p.Window[j].Len
	}
	return n
}

// smlPatchable implements spec.md §4.3 Stage B's SML_patchable predicate:
// the syscall number must be statically known, and there must be enough
// bytes for a bare jal plus, if the instruction after the ecall did not
// already hand the planner a return register, an a7 reload.
func smlPatchable(p *PatchDescriptor, available int, compressedISA bool) (size int, needsReload bool) {
	if p.SyscallNum < 0 {
		return 0, false
	}
	if p.ReturnRegister != regA7 {
		// A return register was captured from the instruction after the
		// ecall; no reload needed.
		if available >= SMLMinSize {
			return SMLMinSize, false
		}
		return 0, false
	}
	reloadSize := 4 // addi a7, x0, imm
	if compressedISA && p.SyscallNum <= 31 {
		reloadSize = 2 // c.li a7, imm
	}
	size = SMLMinSize + reloadSize
	if available >= size {
		return size, true
	}
	return 0, false
}

// planPatch runs Stages A, B and C of spec.md §4.3 for a single patch.
func planPatch(p *PatchDescriptor, jumpTargets map[uint64]struct{}, compressedISA bool) error {
	start, end, landingTruncated := trimWindow(p, jumpTargets)
	if landingTruncated {
		p.SyscallNum = TypeUnknown
	}
	p.patchStartIdx = start

	// trimWindow's suffix loop always stops right before the next ecall
	// (copiableAfter disqualifies IsSyscall), so a second ecall immediately
	// past the trimmed span is exactly the case spec.md's two-ecalls helper
	// covers: a single copiable-after span ending at the first ecall may
	// not be the best choice once a second one is this close.
	if end+1 < p.WindowValid && p.Window[end+1].Len != 0 && p.Window[end+1].IsSyscall {
		end = twoEcallsSpan(p, start, end+1, compressedISA)
	}
	p.patchEndIdx = end

	// The instruction immediately after the ecall, if copiable-after and
	// within the trimmed window, hands the planner its return register
	// candidate.
	if end > SyscallIdx && p.Window[SyscallIdx+1].RegSet != 0 {
		p.ReturnRegister = p.Window[SyscallIdx+1].RegSet
	} else {
		p.ReturnRegister = regRA
	}

	prefixBytes := sumLen(p, start, SyscallIdx-1)
	suffixBytes := sumLen(p, SyscallIdx+1, end)
	available := prefixBytes + 4 + suffixBytes

	switch {
	case available >= TypeGWSize:
		p.SyscallNum = TypeGW
		p.PatchSizeBytes = TypeGWSize
		p.ReturnRegister = regRA
	case available >= TypeMIDSize:
		p.SyscallNum = TypeMID
		p.PatchSizeBytes = TypeMIDSize
		p.ReturnRegister = regRA
	default:
		if p.ReturnRegister != regRA && p.ReturnRegister != 0 {
			// Keep whatever candidate Stage A found; smlPatchable only
			// forces a7 when nothing else is available.
		} else {
			p.ReturnRegister = regA7
		}
		size, needsReload := smlPatchable(p, available, compressedISA)
		if size == 0 {
			return errors.WithDetails(ErrSiteUnpatchable, "addr", p.SyscallAddr, "available", available)
		}
		p.SyscallNum = TypeSML
		p.PatchSizeBytes = size
		if !needsReload && p.ReturnRegister == 0 {
			p.ReturnRegister = regA7
		}
	}

	placePatch(p, prefixBytes)
	checkPatchAlignment(p, compressedISA)

	return nil
}

// placePatch runs Stage C: the patch sits end-aligned at the ecall when
// the prefix alone is big enough, otherwise it starts at the trimmed
// window's left edge.
func placePatch(p *PatchDescriptor, prefixBytes int) {
	if prefixBytes+4 >= p.PatchSizeBytes {
		p.DstJmpPatch = p.SyscallAddr + 4 - uint64(p.PatchSizeBytes)
	} else {
		p.DstJmpPatch = p.Window[p.patchStartIdx].Addr
	}
	// The return address is the link value the jal/jalr instruction itself
	// produces (pc-of-jump + 4), which is not the end of the whole patched
	// region for any class: GW and MID both restore ret's save slot with a
	// trailing ld/addi *after* their own jump (buildGWBytes/buildMIDBytes),
	// so their link lands in the middle of the patch, not at patchEnd.
	// GW: addi sp,sp,-48 (4) + sd ret,0(sp) (4) + auipc/jalr (8) -> link at
	// offset 16. MID: addi sp,sp,-48 (4) + sd ret,8(sp) (4) + jal (4) ->
	// link at offset 12. SML's jal is always the *first* instruction, so
	// its link lands right after it even when a trailing a7 reload follows.
	var jumpEnd uint64
	switch p.SyscallNum {
	case TypeGW:
		jumpEnd = 16
	case TypeMID:
		jumpEnd = 12
	default: // TypeSML
		jumpEnd = 4
	}
	p.ReturnAddress = p.DstJmpPatch + jumpEnd

	// Narrow Stage A's maximal span down to the window entries actually
	// covered by [DstJmpPatch, DstJmpPatch+PatchSizeBytes): the chosen
	// class frequently needs less room than the trimmed window could
	// offer, and anything outside the class's own overwritten bytes is
	// still executing in place, unpatched. patchStartIdx/patchEndIdx
	// themselves are left untouched for checkPatchAlignment, which still
	// needs to see one entry past the patch's edges to test alignment.
	patchEnd := p.DstJmpPatch + uint64(p.PatchSizeBytes)
	p.overwriteStartIdx = p.patchStartIdx
	for p.overwriteStartIdx < SyscallIdx && p.Window[p.overwriteStartIdx].Addr < p.DstJmpPatch {
		p.overwriteStartIdx++
	}
	p.overwriteEndIdx = p.patchEndIdx
	for p.overwriteEndIdx > SyscallIdx && p.Window[p.overwriteEndIdx].Addr >= patchEnd {
		p.overwriteEndIdx--
	}

	p.IsRAUsedBefore = false
	for j := p.overwriteStartIdx; j < SyscallIdx; j++ {
		if p.Window[j].IsRAUsed {
			p.IsRAUsedBefore = true
		}
	}
	p.IsRAUsedAfter = false
	for j := SyscallIdx + 1; j <= p.overwriteEndIdx; j++ {
		if p.Window[j].IsRAUsed {
			p.IsRAUsedAfter = true
		}
	}
}

// checkPatchAlignment implements spec.md §4.3's check_patch_alignment:
// when the chosen start or end address does not coincide with a real
// instruction boundary in the window (possible once 2-byte compressed
// instructions are mixed in), a 2-byte compressed NOP must be emitted on
// that side to restore alignment.
func checkPatchAlignment(p *PatchDescriptor, compressedISA bool) {
	if !compressedISA {
		return
	}
	patchEnd := p.DstJmpPatch + uint64(p.PatchSizeBytes)
	startAligned := false
	endAligned := false
	for j := p.patchStartIdx; j <= p.patchEndIdx; j++ {
		if p.Window[j].Addr == p.DstJmpPatch {
			startAligned = true
		}
		if p.Window[j].Addr == patchEnd {
			endAligned = true
		}
	}
	if patchEnd == p.SyscallAddr+4 {
		endAligned = true // the ecall's successor boundary is always aligned
	}
	p.StartWithCNOP = !startAligned
	p.EndWithCNOP = !endAligned
}

// twoEcallsSpan implements spec.md §4.3's two-ecalls helper, grounded on
// original_source's check_two_ecalls (patcher.c): stopping the suffix span
// at the first ecall, the way the ordinary single-ecall case does, is not
// always the best choice when a second ecall follows close behind — a
// MID or SML might fit in the room between the two, letting the planner
// skip the gateway relay a shorter span would otherwise force. Priority,
// in order:
//
//  1. if p.SyscallNum is still unknown, a MID span must reach past the
//     first ecall into the room before the second one, since SML needs a
//     statically known syscall number it doesn't have;
//  2. otherwise a MID or SML that fits using only the room up to and
//     including the first ecall is the best option, matching the ordinary
//     single-ecall outcome;
//  3. as a last resort, an SML fitting anywhere in the room up to the
//     second ecall, even if that leaves nothing usable before the first.
//
// secondEcallIdx is end+1 from trimWindow's ordinary run: the window index
// of the ecall immediately following the span's natural stopping point.
// The return value is an inclusive end index in the same convention as
// trimWindow/planPatch use elsewhere; it is never offset by one beyond
// patch_end_idx's own exclusive convention in the original, which this
// mirrors by returning one less.
func twoEcallsSpan(p *PatchDescriptor, start, secondEcallIdx int, compressedISA bool) int {
	if p.SyscallNum < 0 {
		size := 0
		for i := start; i < secondEcallIdx; i++ {
			size += p.Window[i].Len
			if size >= TypeMIDSize {
				return i
			}
		}
	}

	size := 0
	for i := start; i <= SyscallIdx; i++ {
		size += p.Window[i].Len
		if size >= TypeMIDSize {
			return SyscallIdx
		}
		if sz, _ := smlPatchable(p, size, compressedISA); sz > 0 {
			return SyscallIdx
		}
	}

	size = 0
	for i := start; i < secondEcallIdx; i++ {
		size += p.Window[i].Len
		if sz, _ := smlPatchable(p, size, compressedISA); sz > 0 {
			return i
		}
	}

	return start - 1
}

// resolveGateways implements spec.md §4.3's gateway resolution: every
// MID/SML patch is paired with the nearest GW within JALMidReach bytes of
// its jal source, and MID patches additionally skip the gateway's leading
// "addi sp, sp, -48" by offsetting ModifySPInsSize bytes into it.
func resolveGateways(obj *ObjectDescriptor) error {
	var gateways []*PatchDescriptor
	for _, p := range obj.Patches {
		if p.SyscallNum == TypeGW {
			gateways = append(gateways, p)
		}
	}

	for _, p := range obj.Patches {
		if p.SyscallNum != TypeMID && p.SyscallNum != TypeSML {
			continue
		}
		var best *PatchDescriptor
		var bestDist uint64
		for _, gw := range gateways {
			dist := distance(p.DstJmpPatch, gw.DstJmpPatch)
			if dist > JALMidReach {
				continue
			}
			if best == nil || dist < bestDist {
				best, bestDist = gw, dist
			}
		}
		if best == nil {
			return errors.WithDetails(ErrNoGateway, "addr", p.SyscallAddr)
		}
		// DstJmpPatch remains this patch's own overwritten range in the
		// target text (spec.md §3's invariants only hold under that
		// reading); the gateway pairing instead determines where the
		// jal/long jump *written into* that range targets, which the
		// activator reads off p.gateway directly (see activate.go).
		p.gateway = best
	}

	return nil
}

func distance(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// rangesOverlap reports whether the two half-open byte ranges
// [aStart, aStart+aLen) and [bStart, bStart+bLen) share any byte.
func rangesOverlap(aStart uint64, aLen int, bStart uint64, bLen int) bool {
	aEnd := aStart + uint64(aLen)
	bEnd := bStart + uint64(bLen)
	return aStart < bEnd && bStart < aEnd
}

// checkOverlaps implements spec.md §3's patch non-overlap invariant: no two
// patches in the same object may overwrite any of the same bytes. Patch
// counts per object are small enough that the pairwise O(n^2) scan costs
// nothing next to the rest of planning.
func checkOverlaps(obj *ObjectDescriptor) error {
	for i, p := range obj.Patches {
		for _, q := range obj.Patches[i+1:] {
			if rangesOverlap(p.DstJmpPatch, p.PatchSizeBytes, q.DstJmpPatch, q.PatchSizeBytes) {
				return errors.WithDetails(ErrOverlappingPatch,
					"addr1", p.SyscallAddr, "addr2", q.SyscallAddr, "object", obj.Path)
			}
		}
	}
	return nil
}

// PlanAll runs the patch planner (C3) over every object's patches: Stage
// A/B/C per site, then gateway resolution, then the process-wide
// return-address uniqueness and per-object non-overlap checks required by
// spec.md §3.
func PlanAll(objects []*ObjectDescriptor, compressedISA bool) error {
	for _, obj := range objects {
		for _, p := range obj.Patches {
			if err := planPatch(p, obj.jumpTargets, compressedISA); err != nil {
				return errors.WithDetails(err, "object", obj.Path)
			}
		}
		if err := resolveGateways(obj); err != nil {
			return errors.WithDetails(err, "object", obj.Path)
		}
		if err := checkOverlaps(obj); err != nil {
			return err
		}
	}

	seen := make(map[uint64]struct{})
	for _, obj := range objects {
		for _, p := range obj.Patches {
			if _, dup := seen[p.ReturnAddress]; dup {
				return errors.WithDetails(ErrDuplicateReturnAddr, "addr", p.ReturnAddress, "object", obj.Path)
			}
			seen[p.ReturnAddress] = struct{}{}
		}
	}

	return nil
}
