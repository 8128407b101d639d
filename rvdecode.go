package intercept

import "encoding/binary"

// RISC-V64 base opcodes (bits [6:0] of a 32-bit instruction).
const (
	opLoad    = 0x03
	opOpImm   = 0x13
	opAUIPC   = 0x17
	opStore   = 0x23
	opOpImm32 = 0x1b
	opOp      = 0x33
	opLUI     = 0x37
	opBranch  = 0x63
	opJALR    = 0x67
	opJAL     = 0x6f
	opSystem  = 0x73
)

func signExtend(v uint32, bits int) int64 {
	shift := 32 - bits
	return int64(int32(v<<shift)) >> shift
}

// rd/rs1/rs2/opcode/funct3 field extraction for the standard R/I/S/B/U/J
// formats, RV64 encoding.
func rd(w uint32) int     { return int((w >> 7) & 0x1f) }
func rs1(w uint32) int    { return int((w >> 15) & 0x1f) }
func rs2(w uint32) int    { return int((w >> 20) & 0x1f) }
func funct3(w uint32) int { return int((w >> 12) & 0x7) }
func opcode(w uint32) int { return int(w & 0x7f) }

func immI(w uint32) int64 { return signExtend(w>>20, 12) }

func immJ(w uint32) int64 {
	imm := ((w >> 31) & 0x1) << 20
	imm |= ((w >> 21) & 0x3ff) << 1
	imm |= ((w >> 20) & 0x1) << 11
	imm |= ((w >> 12) & 0xff) << 12
	return signExtend(uint32(imm), 21)
}

func immB(w uint32) int64 {
	imm := ((w >> 31) & 0x1) << 12
	imm |= ((w >> 25) & 0x3f) << 5
	imm |= ((w >> 8) & 0xf) << 1
	imm |= ((w >> 7) & 0x1) << 11
	return signExtend(uint32(imm), 13)
}

// decode implements the decoder interface over the common RV64GC subset
// that can legitimately appear around an ecall: arithmetic on immediates,
// loads/stores, branches, jumps and the ecall itself. Anything else
// decodes as a "plain" instruction: not a syscall, not a jump, not
// IP-relative, not touching a7, and touching ra only if ra appears in
// one of its rd/rs1/rs2 fields.
func (rvDecoder) decode(data []byte, addr uint64) (InstrRecord, error) {
	if len(data) < 2 {
		return InstrRecord{}, ErrDecode
	}
	lo16 := binary.LittleEndian.Uint16(data)
	if lo16&0x3 != 0x3 {
		return decodeCompressed(lo16, addr), nil
	}
	if len(data) < 4 {
		return InstrRecord{}, ErrDecode
	}
	w := binary.LittleEndian.Uint32(data)
	rec := InstrRecord{Addr: addr, Len: 4, A7Set: -1}

	switch opcode(w) {
	case opSystem:
		if w == 0x00000073 {
			rec.IsSyscall = true
		}
		// ecall/ebreak/csr* never write a GPR in the patterns we see here.
	case opJAL:
		rec.RegSet = rd(w)
		rec.IsRAUsed = rd(w) == regRA
		rec.IsA7Modified = rd(w) == regA7
		// jal is PC-relative by construction but self-contained: its
		// immediate is relative to its own address, and relocating the
		// whole instruction preserves the *delta*, not the absolute
		// target. That makes jal safe to copy verbatim only when the
		// target stays reachable from the new address, which the
		// relocation writer never assumes; we therefore still flag it
		// as IP-relative so the planner never tries to copy a jal
		// across the relocation boundary.
		rec.HasIPRelativeOpr = true
	case opJALR:
		rec.RegSet = rd(w)
		rec.IsAbsJump = true
		rec.IsRAUsed = rd(w) == regRA || rs1(w) == regRA
		rec.IsA7Modified = rd(w) == regA7
	case opBranch:
		rec.HasIPRelativeOpr = true
		rec.IsRAUsed = rs1(w) == regRA || rs2(w) == regRA
	case opAUIPC:
		rec.RegSet = rd(w)
		rec.HasIPRelativeOpr = true
		rec.IsRAUsed = rd(w) == regRA
		rec.IsA7Modified = rd(w) == regA7
	case opLUI:
		rec.RegSet = rd(w)
		rec.IsRAUsed = rd(w) == regRA
		rec.IsA7Modified = rd(w) == regA7
	case opOpImm, opOpImm32:
		rec.RegSet = rd(w)
		rec.IsRAUsed = rd(w) == regRA || rs1(w) == regRA
		if rd(w) == regA7 {
			rec.IsA7Modified = true
			if funct3(w) == 0 && rs1(w) == regZero { // addi / addiw a7, zero, imm
				rec.A7Set = immI(w)
			}
		}
	case opOp:
		rec.RegSet = rd(w)
		rec.IsRAUsed = rd(w) == regRA || rs1(w) == regRA || rs2(w) == regRA
		if rd(w) == regA7 {
			rec.IsA7Modified = true
		}
	case opLoad:
		rec.RegSet = rd(w)
		rec.IsRAUsed = rd(w) == regRA || rs1(w) == regRA
		if rd(w) == regA7 {
			rec.IsA7Modified = true
		}
	case opStore:
		rec.IsRAUsed = rs1(w) == regRA || rs2(w) == regRA
	default:
		// Conservative default for any opcode not named above (fence,
		// amo, float, csr variants): assume it may touch ra if it names
		// it in rd/rs1/rs2, never treat it as a jump or IP-relative.
		rec.IsRAUsed = rd(w) == regRA || rs1(w) == regRA || rs2(w) == regRA
	}

	return rec, nil
}

// decodeCompressed handles the handful of 16-bit encodings the planner
// actually needs to recognise: c.nop (used as padding by this library
// itself, so it must round-trip), c.jr/c.jalr (register-indirect jumps),
// c.j/c.beqz/c.bnez (pc-relative, so never copiable) and c.li (used to reload a7 in SML patches, so its encoding needs to be
// recognisable on the way back out even though the scanner will never
// need to emit one here).
func decodeCompressed(w uint16, addr uint64) InstrRecord {
	rec := InstrRecord{Addr: addr, Len: 2, A7Set: -1}

	if w == 0x0001 { // c.nop
		return rec
	}

	funct4 := (w >> 12) & 0xf
	quadrant := w & 0x3
	if quadrant == 0x2 && (funct4 == 0x8 || funct4 == 0x9) {
		// C.JR (funct4=1000) / C.JALR (funct4=1001), CR-format.
		rs1 := int((w >> 7) & 0x1f)
		rec.IsAbsJump = true
		if funct4 == 0x9 {
			rec.RegSet = regRA
			rec.IsRAUsed = true
		} else {
			rec.IsRAUsed = rs1 == regRA
		}
		return rec
	}

	funct3c := (w >> 13) & 0x7
	if quadrant == 0x1 && funct3c >= 0b101 {
		// C.J (101) / C.BEQZ (110) / C.BNEZ (111): pc-relative targets.
		rec.HasIPRelativeOpr = true
		return rec
	}
	if quadrant == 0x1 && funct3c == 0b010 {
		// C.LI, CI-format: rd <- sign-extend(imm[5]:imm[4:0]). Recognised
		// so a compressed "li a7, N" setting up a small syscall number
		// is not mistaken for an opaque, non-a7-modifying instruction by
		// recoverStaticA7.
		rdc := int((w >> 7) & 0x1f)
		imm := uint32((w>>12)&0x1)<<5 | uint32((w>>2)&0x1f)
		rec.RegSet = rdc
		rec.IsRAUsed = rdc == regRA
		if rdc == regA7 {
			rec.IsA7Modified = true
			rec.A7Set = signExtend(imm, 6)
		}
		return rec
	}

	// Everything else is treated as a plain, copiable 16-bit instruction.
	// This is a deliberate simplification of the full C-extension space;
	// see DESIGN.md.
	return rec
}
