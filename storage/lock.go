package storage

// RootLock is an OS-level advisory lock on a log's root directory,
// preventing a second process from opening the same log concurrently.
type RootLock struct {
	fl *fileLock
}

// LockRoot acquires the root lock for root.
func LockRoot(root string) (*RootLock, error) {
	fl, err := lockRoot(root)
	if err != nil {
		return nil, err
	}
	return &RootLock{fl: fl}, nil
}

// Close releases the lock.
func (l *RootLock) Close() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.unlock()
}
