// Package pid guards a database against a second hardensim process.
package pid

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/hardensim/internal/errors"
)

// Suffix is appended to the database path to name its PID file.
const Suffix = ".pid"

// PathFor returns the PID file path guarding the database at dbPath.
func PathFor(dbPath string) string {
	return dbPath + Suffix
}

// Write writes the current process ID to path. It fails with
// ErrAlreadyRunning when path names a live process. A stale file is replaced.
func Write(path string) error {
	errFactory := errors.New()

	if bytes, err := os.ReadFile(path); err == nil {
		owner, err := strconv.Atoi(strings.TrimSpace(string(bytes)))
		if err == nil && owner != os.Getpid() && alive(owner) {
			return errFactory.WithData(errors.ErrAlreadyRunning, struct {
				Path string
				PID  int
			}{
				Path: path,
				PID:  owner,
			})
		}
	} else if !os.IsNotExist(err) {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove removes the PID file at path.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}
