package lock

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutex_DifferentKeys(t *testing.T) {
	m := NewKeyedMutex()
	done := make(chan struct{})

	m.Lock("tree_a")
	go func() {
		m.Lock("tree_b")
		m.Unlock("tree_b")
		close(done)
	}()
	<-done
	m.Unlock("tree_a")
}

func TestKeyedMutex_Concurrent(t *testing.T) {
	m := NewKeyedMutex()
	var counter int64
	var inside int32

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock("shared", func() error {
				if atomic.AddInt32(&inside, 1) != 1 {
					t.Error("two goroutines inside the same key")
				}
				atomic.AddInt64(&counter, 1)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected counter=100, got %d", counter)
	}
	if n := m.Len(); n != 0 {
		t.Errorf("expected entries to be released, got %d", n)
	}
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	pid, err := ReadHolderPID(lockPath)
	if err != nil || pid != os.Getpid() {
		t.Errorf("holder pid: got %d, %v", pid, err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_CreatesMissingDir(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "fresh", "locks", "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock on a fresh root failed: %v", err)
	}
	defer fl.Unlock()

	if _, err := os.Stat(lockPath); err != nil {
		t.Errorf("lock file not created: %v", err)
	}
}
