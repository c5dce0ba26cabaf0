//go:build windows

package orchestrator

import (
	"fmt"
	"os"
	"time"
)

// fileLock emulates an exclusive lock with an O_EXCL sidecar file, since
// flock is unavailable on Windows.
type fileLock struct {
	path string
}

// acquireFileLock spins until the sidecar file can be created exclusively.
func acquireFileLock(path string) (*fileLock, error) {
	deadline := time.Now().Add(10 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lock %s", path)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// release drops the lock. Safe to call once.
func (l *fileLock) release() {
	_ = os.Remove(l.path)
}
