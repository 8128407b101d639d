package intercept

// Register numbers, RISC-V64 ABI names. Only the ones the planner and
// relocation writer need to reason about are named; everything else is
// carried around as a plain int.
const (
	regZero = 0
	regRA   = 1
	regSP   = 2
	regTP   = 4
	regT0   = 5
	regA0   = 10
	regA7   = 17
)

// Sentinel class tags stored in PatchDescriptor.SyscallNum once the planner
// has classified a site. TypeUnknown is the "not known yet" value used by
// the scanner and by the planner before Stage B runs.
const (
	TypeUnknown = -1
	TypeGW      = -2
	TypeMID     = -3
	TypeSML     = -4
)

// Size thresholds and reach constants, named exactly as spec.md's
// GLOSSARY/§4.3 refers to them.
const (
	// TypeGWSize is the full span, in bytes, a GW patch overwrites at its
	// site: addi sp,sp,-48 + sd ret,0(sp) + auipc/jalr long-jump pair +
	// ld ret,0(sp) + addi sp,sp,48 (buildGWBytes), excluding the optional
	// c.nop alignment padding on either edge, which the planner accounts
	// for separately via StartWithCNOP/EndWithCNOP.
	TypeGWSize = 24
	// TypeMIDSize is the full span a MID patch overwrites: addi sp,sp,-48 +
	// sd ret,8(sp) + jal into the gateway's prologue + ld ret,8(sp) +
	// addi sp,sp,48 (buildMIDBytes). MID's own site sequence makes the
	// stack reservation itself, so its jal enters the gateway past the
	// gateway's "addi sp,sp,-48".
	TypeMIDSize = 20
	// SMLMinSize is a bare jal (4 bytes); SMLReloadSize additionally
	// reloads a7 from the statically known syscall number.
	SMLMinSize    = 4
	SMLReloadSize = 8

	// JALMidReach is the +/-1MiB reach of the RISC-V jal immediate.
	JALMidReach = 1 << 20
	// GWReach is the +/-2GiB reach of the auipc+jalr long jump sequence.
	GWReach = 1 << 31

	// ModifySPInsSize is the size, in bytes, of the "addi sp, sp, -48"
	// instruction a GW gateway's prologue begins with; MID patches skip
	// straight past it since their own site sequence already made that
	// reservation.
	ModifySPInsSize = 4

	// WindowSize is the fixed width of the surrounding-instruction window
	// the scanner populates around every ecall; SyscallIdx is the index
	// of the ecall itself within that window.
	WindowSize = 21
	SyscallIdx = 10
)

// InstrRecord is one disassembled instruction, the documented contract
// between the disassembler (an opaque, pure-function collaborator; see
// disasm.go) and the rest of the package.
type InstrRecord struct {
	Addr               uint64
	Len                int
	IsSyscall          bool
	IsAbsJump          bool
	HasIPRelativeOpr   bool
	IsRAUsed           bool
	RegSet             int   // destination register written, or 0
	A7Set              int64 // immediate loaded into a7, or -1
	IsA7Modified       bool
}

// PatchDescriptor is one ecall site, from discovery through to its frozen,
// activated state. Field names follow spec.md §3 exactly.
type PatchDescriptor struct {
	SyscallAddr  uint64
	Window       [WindowSize]InstrRecord
	WindowValid  int // number of valid entries actually populated in Window

	SyscallNum int64 // statically known syscall number, TypeUnknown, or a TYPE_* tag post-classification

	ReturnRegister int // defaults to regRA; regA7 for SML with no other candidate

	DstJmpPatch     uint64
	PatchSizeBytes  int
	ReturnAddress   uint64
	RelocationAddr  uint64

	IsRAUsedBefore bool
	IsRAUsedAfter  bool

	StartWithCNOP bool
	EndWithCNOP   bool

	// patchStartIdx/patchEndIdx are the trimmed window bounds (inclusive)
	// computed by Stage A; kept around for Stage B/C and for tests.
	patchStartIdx int
	patchEndIdx   int

	// overwriteStartIdx/overwriteEndIdx are patchStartIdx/patchEndIdx
	// narrowed, by Stage C, to the window entries actually inside
	// [DstJmpPatch, DstJmpPatch+PatchSizeBytes) — the bytes the chosen
	// class's own site sequence overwrites. Stage A's span is often wider
	// than any one class needs (it is computed before a class is even
	// picked), so the relocation writer must copy only this narrower
	// range: anything in the wider span that the class didn't overwrite
	// is still executing in place and must not be replayed again.
	overwriteStartIdx int
	overwriteEndIdx   int

	// gateway is the GW patch this MID/SML patch's jal targets, nil for GW
	// patches themselves.
	gateway *PatchDescriptor

	// Object back-references the descriptor this patch was scanned out
	// of, populated by NewRegistry, so logging can report the owning
	// object's path and offset alongside each event (spec.md §6).
	Object *ObjectDescriptor
}

// ObjectDescriptor is one patched shared object.
type ObjectDescriptor struct {
	Base      uint64
	Path      string
	TextStart uint64
	TextEnd   uint64

	Patches []*PatchDescriptor

	TrampolineAddr uint64
	UsesTrampoline bool

	// jumpTargets is the set of addresses targeted by any branch/jump
	// instruction within this object's text, built by the text scanner
	// and consumed by the planner's window trimming (Stage A).
	jumpTargets map[uint64]struct{}

	// text holds the object's executable segment exactly as read off disk
	// from its ELF file, indexed by TextStart; the
	// relocation writer slices displaced instructions out of it verbatim.
	text []byte
}
