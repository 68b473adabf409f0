package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// LockFileName is the lock file created in the data directory
const LockFileName = "LOCK"

// heldLocks tracks the directories locked by engines in this process
var heldLocks sync.Map

// dirLock is an exclusive-create lock file holding the owner's pid
type dirLock struct {
	dir  string
	path string
	file *os.File
}

func acquireLock(dir string) (*dirLock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if _, loaded := heldLocks.LoadOrStore(abs, struct{}{}); loaded {
		return nil, ErrLocked
	}

	path := filepath.Join(abs, LockFileName)
	f, err := createLockFile(path)
	if os.IsExist(err) && staleLock(path) {
		os.Remove(path)
		f, err = createLockFile(path)
	}
	if err != nil {
		heldLocks.Delete(abs)
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	return &dirLock{dir: abs, path: path, file: f}, nil
}

func createLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return f, nil
}

// staleLock reports whether the lock file was left behind by a process that
// no longer runs, or by an engine of this process that was never closed
func staleLock(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return p.Signal(syscall.Signal(0)) != nil
}

func (l *dirLock) release() error {
	defer heldLocks.Delete(l.dir)
	closeErr := l.file.Close()
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return closeErr
}
