package omni

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExecutor_LeaseOwnsScratch(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "nested", "tmp")
	e := NewExecutor(2)

	l, err := e.Acquire(context.Background(), tmp)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if filepath.Dir(l.Scratch) != tmp {
		t.Errorf("Scratch = %q; want a directory under %q", l.Scratch, tmp)
	}

	if fi, err := os.Stat(l.Scratch); err != nil || !fi.IsDir() {
		t.Fatalf("scratch dir missing: %v", err)
	}

	if e.InFlight() != 1 {
		t.Errorf("InFlight = %d; want 1", e.InFlight())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if _, err := os.Stat(l.Scratch); !os.IsNotExist(err) {
		t.Errorf("scratch dir still present after Release: %v", err)
	}

	if e.InFlight() != 0 {
		t.Errorf("InFlight = %d; want 0", e.InFlight())
	}
}

func TestExecutor_BoundsConcurrency(t *testing.T) {
	e := NewExecutor(1)
	tmp := t.TempDir()

	first, err := e.Acquire(context.Background(), tmp)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := e.Acquire(ctx, tmp); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Acquire err = %v; want DeadlineExceeded", err)
	}

	_ = first.Release()

	second, err := e.Acquire(context.Background(), tmp)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestExecutor_BadTmpPathFreesSlot(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewExecutor(1)
	if _, err := e.Acquire(context.Background(), filepath.Join(file, "sub")); err == nil {
		t.Fatal("Acquire under a regular file = nil error")
	}

	if e.InFlight() != 0 {
		t.Errorf("InFlight = %d after failed Acquire; want 0", e.InFlight())
	}
}
