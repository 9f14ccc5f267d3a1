package fs

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrLocked is returned by Lock when another process holds the directory.
var ErrLocked = errors.New("fs: directory locked by another process")

// LockFileName is the file created inside a locked directory.
const LockFileName = "LOCK"

// DirLock is a held directory lock.
type DirLock struct {
	f *os.File
}

// Lock takes an exclusive advisory lock on dir, creating dir if needed.
// It does not block: a held lock fails with ErrLocked.
func Lock(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := flock(f); err != nil {
		f.Close()
		return nil, err
	}
	return &DirLock{f: f}, nil
}

// Release drops the lock.
func (l *DirLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := funlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
