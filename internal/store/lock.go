package store

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when the canonical document is held by another live
// process. The document has a single writer; Open refuses rather than sharing.
var ErrLocked = errors.New("store: document locked by another process")

// acquireLock writes a PID lock file next to the canonical document.
// A lock held by a dead process is treated as stale and stolen.
func acquireLock(lockPath string) error {
	if lockedByOther(lockPath) {
		return ErrLocked
	}
	return os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// releaseLock removes the lock file. Best-effort: ignores ENOENT.
func releaseLock(lockPath string) error {
	err := os.Remove(lockPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func lockedByOther(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// Corrupt lock file, remove it
		os.Remove(lockPath)
		return false
	}

	if pid == os.Getpid() {
		return false
	}

	if !processAlive(pid) {
		// Stale lock
		os.Remove(lockPath)
		return false
	}

	return true
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without sending anything
	return proc.Signal(syscall.Signal(0)) == nil
}
