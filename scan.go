package intercept

import (
	"debug/elf"

	"gitlab.com/tozd/go/errors"
)

// newObjectDescriptor implements the second half of C1 and all of C2's
// segment discovery: given a resolved path and base load address, find the
// object's executable extent on disk and scan it for ecall sites.
func newObjectDescriptor(base uint64, path string) (*ObjectDescriptor, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "elf open %q", path)
	}
	defer f.Close()

	var textStart, textEnd uint64
	found := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Flags&elf.PF_X == 0 {
			continue
		}
		start := base + prog.Vaddr
		end := start + prog.Memsz
		if !found || start < textStart {
			textStart = start
		}
		if !found || end > textEnd {
			textEnd = end
		}
		found = true
	}
	if !found {
		return nil, errors.WithDetails(ErrTextSegmentNotFound, "path", path)
	}

	desc := &ObjectDescriptor{
		Base:      base,
		Path:      path,
		TextStart: textStart,
		TextEnd:   textEnd,
	}

	text, err := readTextBytes(f, base, textStart, textEnd)
	if err != nil {
		return nil, err
	}

	desc.text = text
	desc.jumpTargets = buildJumpTargets(text, textStart)
	desc.Patches = scanForEcalls(text, textStart)

	return desc, nil
}

// readTextBytes copies every PT_LOAD segment's file-backed bytes covering
// [textStart, textEnd) into a single contiguous buffer indexed the same
// way the live process's text is, so offsets computed against it transfer
// directly to runtime addresses. Bytes in the range that are not
// file-backed (e.g. zero-fill beyond filesz) are left zero, which decodes
// harmlessly since no ecall scan ever matches a long run of zero bytes
// (0x00000000 is not a valid ecall encoding).
func readTextBytes(f *elf.File, base, textStart, textEnd uint64) ([]byte, error) {
	buf := make([]byte, textEnd-textStart)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
			continue
		}
		segStart := base + prog.Vaddr
		segFileEnd := segStart + prog.Filesz
		lo := segStart
		if lo < textStart {
			lo = textStart
		}
		hi := segFileEnd
		if hi > textEnd {
			hi = textEnd
		}
		if hi <= lo {
			continue
		}
		data := make([]byte, hi-lo)
		if _, err := prog.ReadAt(data, int64(lo-segStart)); err != nil {
			return nil, errors.WithMessage(err, "read text segment")
		}
		copy(buf[lo-textStart:], data)
	}
	return buf, nil
}

// buildJumpTargets implements spec.md §4.2 step 2: the set of addresses
// targeted by any branch or jump instruction within text (jal, conditional
// branches, c.j, c.beqz, c.bnez; register-indirect jumps have no static
// target), used later by the planner to forbid a patch window from
// straddling a jump landing.
func buildJumpTargets(text []byte, textStart uint64) map[uint64]struct{} {
	targets := make(map[uint64]struct{})
	addr := textStart
	for addr+4 <= textStart+uint64(len(text)) {
		off := addr - textStart
		rec, err := defaultDecoder.decode(text[off:], addr)
		if err != nil {
			addr += 2
			continue
		}
		h := leWord(text, off) & 0xffff
		switch {
		case rec.Len == 4 && opcode(leWord(text, off)) == opJAL:
			targets[addr+uint64(immJ(leWord(text, off)))] = struct{}{}
		case rec.Len == 4 && opcode(leWord(text, off)) == opBranch:
			targets[addr+uint64(immB(leWord(text, off)))] = struct{}{}
		case rec.Len == 2 && h&0x3 == 0x1 && h>>13 == 0b101: // c.j
			imm := (h>>12&1)<<11 | (h>>11&1)<<4 | (h>>9&3)<<8 | (h>>8&1)<<10 |
				(h>>7&1)<<6 | (h>>6&1)<<7 | (h>>3&7)<<1 | (h>>2&1)<<5
			targets[addr+uint64(signExtend(imm, 12))] = struct{}{}
		case rec.Len == 2 && h&0x3 == 0x1 && h>>13 >= 0b110: // c.beqz / c.bnez
			imm := (h>>12&1)<<8 | (h>>10&3)<<3 | (h>>5&3)<<6 | (h>>3&3)<<1 | (h>>2&1)<<5
			targets[addr+uint64(signExtend(imm, 9))] = struct{}{}
		}
		addr += uint64(rec.Len)
	}
	return targets
}

func leWord(text []byte, off uint64) uint32 {
	if off+4 > uint64(len(text)) {
		return 0
	}
	return uint32(text[off]) | uint32(text[off+1])<<8 | uint32(text[off+2])<<16 | uint32(text[off+3])<<24
}

// scanForEcalls implements spec.md §4.2 step 3: disassemble text linearly,
// carrying forward the last immediate loaded into a7, and emit one
// PatchDescriptor with a populated surrounding window for every ecall
// found.
func scanForEcalls(text []byte, textStart uint64) []*PatchDescriptor {
	type decoded struct {
		rec  InstrRecord
		addr uint64
	}

	var stream []decoded
	addr := textStart
	for addr < textStart+uint64(len(text)) {
		off := addr - textStart
		remaining := text[off:]
		if len(remaining) < 4 {
			break
		}
		rec, err := defaultDecoder.decode(remaining, addr)
		if err != nil {
			addr += 2
			continue
		}
		stream = append(stream, decoded{rec: rec, addr: addr})
		addr += uint64(rec.Len)
	}

	var patches []*PatchDescriptor
	for i, d := range stream {
		if !d.rec.IsSyscall {
			continue
		}
		p := &PatchDescriptor{
			SyscallAddr: d.addr,
			SyscallNum:  TypeUnknown,
			ReturnRegister: regRA,
		}

		lo := i - SyscallIdx
		windowOff := 0
		if lo < 0 {
			windowOff = -lo
			lo = 0
		}
		hi := i + (WindowSize - SyscallIdx - 1)
		if hi >= len(stream) {
			hi = len(stream) - 1
		}

		n := 0
		for j := lo; j <= hi; j++ {
			p.Window[windowOff+n] = stream[j].rec
			n++
		}
		p.WindowValid = windowOff + n
		// The ecall itself always lands at Window[SyscallIdx]: windowOff
		// only shifts where the populated region *starts*, it never
		// moves the ecall away from its fixed centre index.
		p.patchStartIdx = 0
		p.patchEndIdx = p.WindowValid - 1

		// Recover a statically known syscall number by walking backward
		// from the ecall, within the populated region only, stopping at
		// the first instruction that clobbers a7 again.
		p.SyscallNum = recoverStaticA7(p, windowOff)

		patches = append(patches, p)
	}

	return patches
}

// recoverStaticA7 walks the window backward from the ecall (fixed at
// SyscallIdx) down to lowValid, looking for the most recent instruction
// that set a7 to a known immediate, returning TypeUnknown if a7 is
// clobbered again after that point or no such instruction exists within
// the populated window.
func recoverStaticA7(p *PatchDescriptor, lowValid int) int64 {
	for j := SyscallIdx - 1; j >= lowValid; j-- {
		rec := p.Window[j]
		if rec.A7Set >= 0 {
			return rec.A7Set
		}
		if rec.IsA7Modified {
			return TypeUnknown
		}
	}
	return TypeUnknown
}
