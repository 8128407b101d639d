//go:build linux && riscv64

package intercept

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"gitlab.com/tozd/go/errors"
)

// pageMemory returns a []byte view over the live pages covering
// [addr, addr+n), suitable for unix.Mprotect or direct writes.
func pageMemory(addr uint64, n int) []byte {
	pageSize := uint64(unix.Getpagesize())
	start := addr &^ (pageSize - 1)
	end := (addr + uint64(n) + pageSize - 1) &^ (pageSize - 1)
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(start))), int(end-start))
}

func withWritableText(addr uint64, n int, fn func()) error {
	mem := pageMemory(addr, n)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return errors.WithMessage(err, "mprotect rwx")
	}
	fn()
	clearICache(addr, n)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.WithMessage(err, "mprotect rx")
	}
	return nil
}

func writeBytesAt(addr uint64, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(data))
	copy(dst, data)
}

// buildGWBytes implements spec.md §4.5's GW byte sequence: the long jump
// targets the shared gateway redirect stub (entry_riscv64.c's
// intercept_gw_redirect), not this patch's own relocation block directly.
// MID and SML sites relay through this same gateway prologue (jumping in
// at an offset that skips the parts they don't need), so the jump here is
// the one place a direct GW hit and every relayed MID/SML call converge;
// the redirect stub asks Go which patch actually fired and tail-jumps to
// that patch's own relocation block, which is what makes a relayed MID or
// SML's own displaced-instruction block reachable at all.
func buildGWBytes(p *PatchDescriptor, redirectAddr uint64) []byte {
	var buf []byte
	if p.StartWithCNOP {
		buf = encodeCNOP(buf)
	}
	buf = encodeADDI(buf, regSP, regSP, -48)
	buf = encodeSD(buf, regSP, p.ReturnRegister, 0)
	buf = encodeLongJump(buf, p.ReturnRegister, p.DstJmpPatch+uint64(len(buf)), redirectAddr)
	buf = encodeLD(buf, p.ReturnRegister, regSP, 0)
	buf = encodeADDI(buf, regSP, regSP, 48)
	if p.EndWithCNOP {
		buf = encodeCNOP(buf)
	}
	return buf
}

// buildMIDBytes implements spec.md §4.5's MID byte sequence: the jal
// targets the gateway's own entry offset by ModifySPInsSize, skipping its
// "addi sp, sp, -48" since MID made that reservation itself.
func buildMIDBytes(p *PatchDescriptor) []byte {
	var buf []byte
	if p.StartWithCNOP {
		buf = encodeCNOP(buf)
	}
	buf = encodeADDI(buf, regSP, regSP, -48)
	buf = encodeSD(buf, regSP, p.ReturnRegister, 8)
	jalSrc := p.DstJmpPatch + uint64(len(buf))
	buf = encodeJAL(buf, p.ReturnRegister, jalSrc, p.gateway.DstJmpPatch+ModifySPInsSize)
	buf = encodeLD(buf, p.ReturnRegister, regSP, 8)
	buf = encodeADDI(buf, regSP, regSP, 48)
	if p.EndWithCNOP {
		buf = encodeCNOP(buf)
	}
	return buf
}

// buildSMLBytes implements spec.md §4.5's SML byte sequence: a bare jal
// into the gateway's full entry (including its own sp reservation, which
// SML never made), optionally followed by an a7 reload.
func buildSMLBytes(p *PatchDescriptor, compressedISA bool) []byte {
	var buf []byte
	if p.StartWithCNOP {
		buf = encodeCNOP(buf)
	}
	jalSrc := p.DstJmpPatch + uint64(len(buf))
	buf = encodeJAL(buf, regA7, jalSrc, p.gateway.DstJmpPatch)
	if p.PatchSizeBytes > SMLMinSize {
		if compressedISA && p.SyscallNum >= 0 && p.SyscallNum <= 31 {
			buf = encodeU16(buf, encodeCLI(regA7, p.SyscallNum))
		} else {
			buf = encodeADDI(buf, regA7, regZero, p.SyscallNum)
		}
	}
	if p.EndWithCNOP {
		buf = encodeCNOP(buf)
	}
	return buf
}

// checkReach validates that every GW patch's long jump can actually reach
// the gateway redirect stub; MID/SML jals are not checked here (the planner's
// resolveGateways pairs each with a GW within JALMidReach), flagging UsesTrampoline
// on the object when a GW's distance to the gateway redirect stub exceeds
// GWReach. Building the trampoline bridge itself is not implemented: the
// original's exact per-patch addressing through a shared bridge is not
// recoverable from spec.md's one-line description, and a guess here would
// be unverifiable machine code running before any other startup check. An
// object that needs one fails loudly instead, per ErrTrampolineUnsupported.
func checkReach(obj *ObjectDescriptor, redirectAddr uint64) error {
	for _, p := range obj.Patches {
		if p.SyscallNum != TypeGW {
			continue
		}
		if distance(p.DstJmpPatch, redirectAddr) > GWReach {
			obj.UsesTrampoline = true
			return errors.WithDetails(ErrTrampolineUnsupported, "object", obj.Path, "addr", p.SyscallAddr)
		}
	}
	return nil
}

// activateObject implements spec.md §4.5 steps 2-4 for one object (step 1,
// the trampoline, is out of scope — see checkReach).
func activateObject(obj *ObjectDescriptor, redirectAddr uint64, compressedISA bool) error {
	return withWritableText(obj.TextStart, int(obj.TextEnd-obj.TextStart), func() {
		for _, p := range obj.Patches {
			var bytes []byte
			switch p.SyscallNum {
			case TypeGW:
				bytes = buildGWBytes(p, redirectAddr)
			case TypeMID:
				bytes = buildMIDBytes(p)
			case TypeSML:
				bytes = buildSMLBytes(p, compressedISA)
			}
			writeBytesAt(p.DstJmpPatch, bytes)
		}
	})
}

// ActivateAll runs C4 (building every relocation block) followed by C5
// (writing every patch's live bytes) across every object, in that order:
// the relocation buffer must be fully built, cache-flushed and R+X before
// any live text starts jumping into it. redirectAddr is the address of
// the shared gateway redirect stub (entry_riscv64.c's
// intercept_gw_redirect) every GW's long jump targets.
func ActivateAll(objects []*ObjectDescriptor, buf *RelocationBuffer, entryAddr, redirectAddr uint64, raOrigOff, raTempOff int64, compressedISA bool) error {
	for _, obj := range objects {
		for _, p := range obj.Patches {
			if err := buildPatchBlock(buf, obj, p, raOrigOff, raTempOff, entryAddr); err != nil {
				return errors.WithDetails(err, "object", obj.Path, "addr", p.SyscallAddr)
			}
		}
	}
	if err := buf.Finalize(); err != nil {
		return err
	}
	for _, obj := range objects {
		if err := checkReach(obj, redirectAddr); err != nil {
			return err
		}
	}
	for _, obj := range objects {
		if err := activateObject(obj, redirectAddr, compressedISA); err != nil {
			return errors.WithDetails(err, "object", obj.Path)
		}
	}
	return nil
}
