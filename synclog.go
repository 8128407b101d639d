package intercept

import (
	"fmt"
	"os"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// SyncLog is the raw syscall log writer (spec.md §6 "Log format"): an
// append-only text file, one line per event, guarded by a single mutex
// since the dispatcher runs synchronously but a target may have multiple
// threads trapping into patched code concurrently.
type SyncLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenSyncLog opens path per cfg (append unless LogTruncate), and writes
// the addr2line shell-decoder header line the original emits at log-open
// time (spec.md §5 supplemented feature 3), so existing tooling built
// against the original log format keeps working.
func OpenSyncLog(path string, truncate bool) (*SyncLog, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.WithMessagef(err, "open sync log %q", path)
	}
	l := &SyncLog{f: f}
	fmt.Fprintf(f, "# decode with: addr2line -e <object> -f -C <offset>\n")
	return l, nil
}

// Write appends one event line: class tag, the patch's object path and
// offset, the syscall number, its six arguments, and the outcome (a
// numeric result for KNOWN, omitted for UNKNOWN since the call has not run
// yet at that point).
func (l *SyncLog) Write(p *PatchDescriptor, num int64, args [6]uint64, class string, result int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	objPath, offset := "?", uint64(0)
	if p.Object != nil {
		objPath = p.Object.Path
		offset = p.SyscallAddr - p.Object.TextStart
	}

	if class == "UNKNOWN" {
		fmt.Fprintf(l.f, "%s addr=0x%x object=%s offset=0x%x syscall=%d args=[%d %d %d %d %d %d]\n",
			class, p.SyscallAddr, objPath, offset, num, args[0], args[1], args[2], args[3], args[4], args[5])
		return
	}
	fmt.Fprintf(l.f, "%s addr=0x%x object=%s offset=0x%x syscall=%d args=[%d %d %d %d %d %d] result=%d\n",
		class, p.SyscallAddr, objPath, offset, num, args[0], args[1], args[2], args[3], args[4], args[5], result)
}

// Close flushes and closes the underlying file.
func (l *SyncLog) Close() error {
	return l.f.Close()
}
