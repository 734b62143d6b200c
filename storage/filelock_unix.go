//go:build !windows && !js && !wasip1

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fileLock represents an OS-level advisory lock on a log's root directory
// (Unix implementation using flock).
type fileLock struct {
	file *os.File
}

// lockRoot acquires an exclusive lock guarding the log rooted at root, so a
// second process can't open the same log concurrently. Returns a fileLock
// that must be released with unlock().
func lockRoot(root string) (*fileLock, error) {
	lockPath := filepath.Join(root, "LOCK")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: cannot open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelock: log %q is locked by another process", root)
	}

	return &fileLock{file: f}, nil
}

// unlock releases the root lock.
func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	unix.Flock(int(fl.file.Fd()), unix.LOCK_UN)
	name := fl.file.Name()
	err := fl.file.Close()
	os.Remove(name)
	return err
}
