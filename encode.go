package intercept

import "encoding/binary"

// Instruction encoders for the handful of RV64GC forms the relocation
// writer and activator need to emit. Each returns the raw little-endian
// bytes of one instruction; names follow the RISC-V mnemonic they encode.

func encodeU32(buf []byte, w uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], w)
	return append(buf, tmp[:]...)
}

func encodeU16(buf []byte, w uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], w)
	return append(buf, tmp[:]...)
}

// rTypeI builds an I-type instruction: imm[11:0] | rs1 | funct3 | rd | opcode.
func rTypeI(opcode, rd, funct3, rs1 int, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1&0x1f)<<15 | uint32(funct3&0x7)<<12 | uint32(rd&0x1f)<<7 | uint32(opcode&0x7f)
}

func encodeADDI(buf []byte, rd, rs1 int, imm int64) []byte {
	return encodeU32(buf, rTypeI(opOpImm, rd, 0, rs1, imm))
}

func encodeJALR(buf []byte, rd, rs1 int, imm int64) []byte {
	return encodeU32(buf, rTypeI(opJALR, rd, 0, rs1, imm))
}

// encodeJAL builds a J-type instruction: target is relative to srcAddr.
func encodeJAL(buf []byte, rd int, srcAddr, target uint64) []byte {
	imm := int64(target) - int64(srcAddr)
	w := uint32(rd&0x1f)<<7 | uint32(opJAL&0x7f)
	imm20 := uint32((imm >> 20) & 0x1)
	imm10_1 := uint32((imm >> 1) & 0x3ff)
	imm11 := uint32((imm >> 11) & 0x1)
	imm19_12 := uint32((imm >> 12) & 0xff)
	w |= imm20 << 31
	w |= imm10_1 << 21
	w |= imm11 << 20
	w |= imm19_12 << 12
	return encodeU32(buf, w)
}

// encodeAUIPC builds U-type auipc rd, imm20 (imm20 is the raw, unshifted
// 20-bit upper-immediate field; this function places it in bits 31:12).
func encodeAUIPC(buf []byte, rd int, imm20 int64) []byte {
	w := uint32(imm20&0xfffff)<<12 | uint32(rd&0x1f)<<7 | uint32(opAUIPC&0x7f)
	return encodeU32(buf, w)
}

// encodeLongJump emits an auipc+jalr pair giving a full 2GiB-reach jump
// from srcAddr to target, linking through rd (regRA for a call, regZero
// for a tail jump).
func encodeLongJump(buf []byte, rd int, srcAddr, target uint64) []byte {
	delta := int64(target) - int64(srcAddr)
	hi := (delta + 0x800) >> 12
	lo := delta - (hi << 12)
	buf = encodeAUIPC(buf, regT0, hi)
	buf = encodeJALR(buf, rd, regT0, lo)
	return buf
}

// sTypeStore builds an S-type instruction (sd/sw/...): imm[11:5]|rs2|rs1|funct3|imm[4:0]|opcode.
func sTypeStore(funct3, rs1, rs2 int, imm int64) uint32 {
	hi := uint32(imm&0xfe0) << (25 - 5)
	lo := uint32(imm&0x1f) << 7
	return hi | uint32(rs2&0x1f)<<20 | uint32(rs1&0x1f)<<15 | uint32(funct3&0x7)<<12 | lo | uint32(opStore)
}

func encodeSD(buf []byte, rs1, rs2 int, imm int64) []byte {
	return encodeU32(buf, sTypeStore(3, rs1, rs2, imm))
}

func iTypeLoad(funct3, rd, rs1 int, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | uint32(rs1&0x1f)<<15 | uint32(funct3&0x7)<<12 | uint32(rd&0x1f)<<7 | uint32(opLoad)
}

func encodeLD(buf []byte, rd, rs1 int, imm int64) []byte {
	return encodeU32(buf, iTypeLoad(3, rd, rs1, imm))
}

// encodeCNOP emits the 2-byte compressed NOP used to pad GW/MID/SML
// patches into alignment when the compressed extension is enabled.
func encodeCNOP(buf []byte) []byte {
	return encodeU16(buf, 0x0001)
}

// encodeCLI emits c.li rd, imm for |imm| small enough to fit the 6-bit
// signed immediate (callers are responsible for checking rd != 0 and
// -32 <= imm <= 31, the only range this library ever asks for: reloading
// a known small syscall number).
func encodeCLI(rd int, imm int64) uint16 {
	imm6 := uint16(imm) & 0x3f
	w := uint16(0b010) << 13
	w |= (imm6 >> 5 & 0x1) << 12
	w |= uint16(rd&0x1f) << 7
	w |= (imm6 & 0x1f) << 2
	w |= 0b01
	return w
}
