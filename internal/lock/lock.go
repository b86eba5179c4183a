package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// MutexMap hands out one mutex per key. Keys are target branches in the merge
// executor, so two merges into the same branch never overlap.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

// TryLock acquires the key's mutex without blocking and reports success.
func (m *MutexMap) TryLock(key string) bool {
	return m.getMutex(key).TryLock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// FileLock is the daemon's single-instance lock. The holder's PID is written
// into the file so clients can report who owns it.
type FileLock struct {
	path  string
	flock *flock.Flock
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, flock: flock.New(path)}
}

func (fl *FileLock) Path() string { return fl.path }

// TryLock acquires the lock without waiting.
func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	locked, err := fl.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire lock (another daemon may be running): %s is held", fl.path)
	}
	return fl.writePID()
}

func (fl *FileLock) writePID() error {
	if err := os.WriteFile(fl.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0600); err != nil {
		fl.flock.Unlock()
		return fmt.Errorf("write PID to lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if !fl.flock.Locked() {
		return nil
	}
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	os.Remove(fl.path)
	return nil
}

// ReadPID returns the PID recorded in a lock file, or 0 when absent.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parse lock pid %q: %w", s, err)
	}
	return pid, nil
}
