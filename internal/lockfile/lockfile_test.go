package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fastOpts() Options {
	return Options{Retries: 3, RetryDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, StaleAfter: time.Hour}
}

func TestAcquireRelease(t *testing.T) {
	target := filepath.Join(t.TempDir(), "task_abc.md")

	l, err := Acquire(target, fastOpts())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(target + ".lock"); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(target + ".lock"); !os.IsNotExist(err) {
		t.Error("lock file not removed")
	}
}

func TestContention(t *testing.T) {
	target := filepath.Join(t.TempDir(), "task_abc.md")

	l1, err := Acquire(target, fastOpts())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.Release()

	_, err = Acquire(target, fastOpts())
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestStaleLockBroken(t *testing.T) {
	target := filepath.Join(t.TempDir(), "task_abc.md")
	lockPath := target + ".lock"

	os.WriteFile(lockPath, []byte("dead-writer"), 0o644)
	old := time.Now().Add(-time.Hour)
	os.Chtimes(lockPath, old, old)

	opts := fastOpts()
	opts.StaleAfter = time.Minute
	l, err := Acquire(target, opts)
	if err != nil {
		t.Fatalf("expected stale lock to be broken: %v", err)
	}
	l.Release()
}

func TestReleaseDoesNotStealNewerLock(t *testing.T) {
	target := filepath.Join(t.TempDir(), "task_abc.md")

	l1, err := Acquire(target, fastOpts())
	if err != nil {
		t.Fatal(err)
	}

	// Simulate stale-break + reacquire by another writer.
	os.WriteFile(target+".lock", []byte("other-token"), 0o644)

	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	data, err := os.ReadFile(target + ".lock")
	if err != nil || string(data) != "other-token" {
		t.Error("release removed a lock it no longer owned")
	}
}
