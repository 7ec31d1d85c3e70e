package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	ferrors "github.com/poppobuilder/poppod/internal/foundation/errors"
)

// pidLock is the daemon's single-owner PID/lock file: the Supervisor refuses
// to start a second instance against the same root directory. It does not
// rely on flock(2) (not portable to every filesystem the config root might
// live on) — liveness is instead checked by signaling the recorded PID.
type pidLock struct {
	path string
}

// acquirePIDLock opens (or takes over) <root>/poppod.pid. It fails if the file
// names a PID that is still alive.
func acquirePIDLock(root string) (*pidLock, error) {
	path := filepath.Join(root, "poppod.pid")

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 && pid != os.Getpid() {
			if processAlive(pid) {
				return nil, ferrors.DaemonError("another poppod instance is already running").
					WithContext("pid", pid).WithContext("lockFile", path).Build()
			}
		}
		// Stale lock file (process no longer alive, or unparsable content): reclaim it.
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "create lock directory").Build()
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "write pid lock file").Build()
	}
	return &pidLock{path: path}, nil
}

// release removes the lock file, provided it still names this process (a
// reclaimed lock acquired by a later instance must never be deleted by an
// earlier one finishing shutdown).
func (l *pidLock) release() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid == os.Getpid() {
		_ = os.Remove(l.path)
	}
}

// processAlive reports whether pid refers to a live process by sending the
// null signal, the standard POSIX probe that does not actually signal it.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
