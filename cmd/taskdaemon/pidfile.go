package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// exit codes named in spec.md's CLI surface.
const (
	exitOK              = 0
	exitGeneralError    = 1
	exitAlreadyRunning  = 3
	exitNotRunning      = 4
	exitShutdownTimeout = 5
)

// pidFile holds an exclusively-locked PID file for the lifetime of a
// running daemon process. The lock (not just the file's existence)
// is what proves liveness: an unclean exit releases the OS-level lock
// even if the file itself is left behind.
type pidFile struct {
	lock *flock.Flock
	path string
}

// acquirePIDFile locks path, writes the current PID into it, and
// returns a handle the daemon must call release() on during shutdown.
// If the file is already locked by a live process, returns that
// process's PID and ok=false.
func acquirePIDFile(path string) (pf *pidFile, existingPID int, ok bool, err error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, 0, false, fmt.Errorf("locking pid file %s: %w", path, err)
	}
	if !locked {
		pid, _ := readPID(path)
		return nil, pid, false, nil
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, 0, false, fmt.Errorf("writing pid file %s: %w", path, err)
	}
	return &pidFile{lock: lock, path: path}, 0, true, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (pf *pidFile) release() {
	_ = pf.lock.Unlock()
	_ = os.Remove(pf.path)
}
