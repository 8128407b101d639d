//go:build linux && riscv64

package intercept

import (
	"fmt"
	"os"

	"gitlab.com/tozd/go/errors"
)

var initialized bool

// Init runs C1 through C5 synchronously: enumerate objects, scan each for
// ecall sites, plan every patch, build the relocation buffer, and activate.
// It returns an error instead of aborting so the embedding contract (the
// cgo constructor shim in constructor_riscv64.go) stays the only place
// that turns failure into the process-abort spec.md §7 requires.
func Init(cfg Config) error {
	if initialized {
		return errors.WithStack(ErrAlreadyInitialized)
	}

	objects, err := enumerateObjects(cfg)
	if err != nil {
		return errors.WithMessage(err, "enumerate objects")
	}

	compressedISA := compressedISAEnabled()

	planErr := PlanAll(objects, compressedISA)

	if cfg.DebugDump {
		dumpPatches(objects)
	}

	if planErr != nil {
		return errors.WithMessage(planErr, "plan patches")
	}

	buf, err := newRelocationBuffer()
	if err != nil {
		return errors.WithMessage(err, "allocate relocation buffer")
	}

	raOrigOff, raTempOff := tlsOffsets()
	entryAddr := asmEntryAddr()
	redirectAddr := gwRedirectAddr()

	if err := ActivateAll(objects, buf, entryAddr, redirectAddr, raOrigOff, raTempOff, compressedISA); err != nil {
		return errors.WithMessage(err, "activate patches")
	}

	var log *SyncLog
	if cfg.LogPath != "" {
		log, err = OpenSyncLog(cfg.LogPath, cfg.LogTruncate)
		if err != nil {
			return errors.WithMessage(err, "open sync log")
		}
	}

	globalDispatcher = &Dispatcher{
		Registry:   NewRegistry(objects),
		Hook:       currentHook(),
		ChildHook:  currentChildHook(),
		ParentHook: currentParentHook(),
		Log:        log,
	}

	initialized = true
	return nil
}

// dumpPatches implements spec.md §5 supplemented feature 2: a verbose
// per-patch dump written to fd 2 at patch-build time, for diagnosing
// "unpatchable site" aborts.
func dumpPatches(objects []*ObjectDescriptor) {
	for _, obj := range objects {
		fmt.Fprintf(os.Stderr, "intercept: object %s text=[0x%x,0x%x) patches=%d\n",
			obj.Path, obj.TextStart, obj.TextEnd, len(obj.Patches))
		for _, p := range obj.Patches {
			class := "?"
			switch p.SyscallNum {
			case TypeGW:
				class = "GW"
			case TypeMID:
				class = "MID"
			case TypeSML:
				class = "SML"
			}
			fmt.Fprintf(os.Stderr, "  ecall=0x%x class=%s dst=0x%x size=%d ra=0x%x ra_before=%v ra_after=%v\n",
				p.SyscallAddr, class, p.DstJmpPatch, p.PatchSizeBytes, p.ReturnAddress, p.IsRAUsedBefore, p.IsRAUsedAfter)
		}
	}
}
