// Package lock provides per-key mutexes for record writes and the daemon's
// single-instance file lock.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// KeyedMutex serializes work per key. Entries are dropped once no goroutine
// holds or waits on them, so the map stays bounded by concurrent keys rather
// than by every id ever seen.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &keyedEntry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		panic("lock: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// WithLock runs fn while holding key.
func (m *KeyedMutex) WithLock(key string, fn func() error) error {
	m.Lock(key)
	defer m.Unlock(key)
	return fn()
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// FileLock is an flock-based exclusive lock that records the holder's PID.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock takes the lock without blocking, creating the lock directory when
// needed.
func (fl *FileLock) TryLock() error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if pid, perr := ReadHolderPID(fl.path); perr == nil {
			return fmt.Errorf("acquire lock: held by pid %d: %w", pid, err)
		}
		return fmt.Errorf("acquire lock (another daemon may be running): %w", err)
	}

	release := func(step string, err error) error {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return release("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return release("seek", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return release("write pid to", err)
	}
	if err := f.Sync(); err != nil {
		return release("sync", err)
	}

	fl.file = f
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		fl.file = nil
		return fmt.Errorf("close lock file: %w", err)
	}
	_ = os.Remove(fl.path)
	fl.file = nil
	return nil
}

// ReadHolderPID returns the PID written by the current lock holder.
func ReadHolderPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
