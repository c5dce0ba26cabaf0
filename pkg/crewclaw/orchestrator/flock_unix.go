//go:build !windows

package orchestrator

import (
	"fmt"
	"os"
	"syscall"
)

// fileLock holds an exclusive advisory lock on a sidecar lock file.
type fileLock struct {
	f *os.File
}

// acquireFileLock blocks until the exclusive lock on path is held.
func acquireFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquiring file lock: %w", err)
	}
	return &fileLock{f: f}, nil
}

// release drops the lock. Safe to call once.
func (l *fileLock) release() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
}
