package omni

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Executor is the execution context shared by requests. It bounds the
// number of in-flight requests and hands each one a private scratch
// directory.
type Executor struct {
	slots chan struct{}
}

// NewExecutor allows up to maxSessions concurrent leases (at least one).
func NewExecutor(maxSessions int) *Executor {
	return &Executor{slots: make(chan struct{}, max(maxSessions, 1))}
}

// Capacity returns the maximum number of concurrent leases.
func (e *Executor) Capacity() int { return cap(e.slots) }

// InFlight returns the number of leases currently held.
func (e *Executor) InFlight() int { return len(e.slots) }

// Acquire blocks until a slot is free, then creates a scratch directory
// under tmpPath (the OS temp dir when empty).
func (e *Executor) Acquire(ctx context.Context, tmpPath string) (*Lease, error) {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if tmpPath != "" {
		if err := os.MkdirAll(tmpPath, 0o755); err != nil {
			<-e.slots
			return nil, fmt.Errorf("create tmp_path %q: %w", tmpPath, err)
		}
	}

	dir, err := os.MkdirTemp(tmpPath, "omni-*")
	if err != nil {
		<-e.slots
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	return &Lease{Scratch: dir, exec: e}, nil
}

// Lease is one request's hold on the executor.
type Lease struct {
	// Scratch is removed on Release.
	Scratch string

	exec *Executor
	once sync.Once
	err  error
}

// Release removes the scratch directory and frees the slot. It is safe to
// call more than once.
func (l *Lease) Release() error {
	l.once.Do(func() {
		if err := os.RemoveAll(l.Scratch); err != nil {
			l.err = fmt.Errorf("remove scratch dir: %w", err)
		}
		<-l.exec.slots
	})
	return l.err
}
