package omni

import (
	"context"
	"errors"
	"sync"
)

var (
	errTraceSealed = errors.New("generation trace is sealed")
	errTraceFull   = errors.New("generation trace is full")
)

// TraceEntry is one committed text token and the hidden state that produced
// it.
type TraceEntry struct {
	Token  Token
	Hidden []float32
}

// GenerationTrace is the append-only hand-off from the text decoder to the
// talker. It has exactly one writer and one reader. The reader blocks in
// Wait until the position it needs is committed or the trace is sealed.
type GenerationTrace struct {
	mu      sync.Mutex
	entries []TraceEntry
	limit   int
	sealed  bool
	err     error
	// changed is closed and replaced on every append and on seal.
	changed chan struct{}
}

// NewGenerationTrace returns an empty trace holding at most limit entries.
func NewGenerationTrace(limit int) *GenerationTrace {
	return &GenerationTrace{
		entries: make([]TraceEntry, 0, min(max(limit, 0), 1024)),
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// Append commits e at the next position.
func (t *GenerationTrace) Append(e TraceEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return errTraceSealed
	}
	if t.limit > 0 && len(t.entries) >= t.limit {
		return errTraceFull
	}

	t.entries = append(t.entries, e)
	t.broadcast()
	return nil
}

// Seal marks the trace complete. err records why decoding stopped, nil for
// a normal stop. Sealing twice keeps the first state.
func (t *GenerationTrace) Seal(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return
	}
	t.sealed = true
	t.err = err
	t.broadcast()
}

func (t *GenerationTrace) broadcast() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Wait returns entry pos once it is committed. ok is false when the trace
// was sealed before reaching pos.
func (t *GenerationTrace) Wait(ctx context.Context, pos int) (entry TraceEntry, ok bool, err error) {
	for {
		t.mu.Lock()
		if pos < len(t.entries) {
			e := t.entries[pos]
			t.mu.Unlock()
			return e, true, nil
		}
		if t.sealed {
			t.mu.Unlock()
			return TraceEntry{}, false, nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return TraceEntry{}, false, ctx.Err()
		}
	}
}

func (t *GenerationTrace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *GenerationTrace) Sealed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

// Err returns the error the trace was sealed with.
func (t *GenerationTrace) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Tokens returns a copy of the committed token IDs.
func (t *GenerationTrace) Tokens() []Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Token, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Token
	}
	return out
}
