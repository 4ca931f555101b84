package omni

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGenerationTrace_WaitBlocksUntilCommit(t *testing.T) {
	tr := NewGenerationTrace(8)

	got := make(chan TraceEntry, 1)
	go func() {
		e, ok, err := tr.Wait(context.Background(), 1)
		if err != nil || !ok {
			t.Errorf("Wait(1) = %v, %v", ok, err)
		}
		got <- e
	}()

	if err := tr.Append(TraceEntry{Token: 10}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case e := <-got:
		t.Fatalf("Wait(1) returned %+v before position 1 was committed", e)
	case <-time.After(20 * time.Millisecond):
	}

	if err := tr.Append(TraceEntry{Token: 11, Hidden: []float32{1}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case e := <-got:
		if e.Token != 11 {
			t.Errorf("Wait(1) token = %d; want 11", e.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait(1) did not return after commit")
	}
}

func TestGenerationTrace_SealReleasesWaiter(t *testing.T) {
	tr := NewGenerationTrace(8)
	done := make(chan bool, 1)

	go func() {
		_, ok, err := tr.Wait(context.Background(), 0)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- ok
	}()

	cause := errors.New("boom")
	tr.Seal(cause)
	tr.Seal(nil)

	select {
	case ok := <-done:
		if ok {
			t.Error("Wait on sealed empty trace reported ok")
		}
	case <-time.After(time.Second):
		t.Fatal("Seal did not wake the waiter")
	}

	if !tr.Sealed() || !errors.Is(tr.Err(), cause) {
		t.Errorf("Sealed=%v Err=%v; want true, first seal error", tr.Sealed(), tr.Err())
	}

	if err := tr.Append(TraceEntry{}); !errors.Is(err, errTraceSealed) {
		t.Errorf("Append after seal = %v; want errTraceSealed", err)
	}
}

func TestGenerationTrace_WaitHonoursContext(t *testing.T) {
	tr := NewGenerationTrace(8)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := tr.Wait(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v; want DeadlineExceeded", err)
	}
}

func TestGenerationTrace_Limit(t *testing.T) {
	tr := NewGenerationTrace(2)
	_ = tr.Append(TraceEntry{Token: 1})
	_ = tr.Append(TraceEntry{Token: 2})

	if err := tr.Append(TraceEntry{Token: 3}); !errors.Is(err, errTraceFull) {
		t.Errorf("Append past limit = %v; want errTraceFull", err)
	}

	toks := tr.Tokens()
	if len(toks) != 2 || toks[0] != 1 || toks[1] != 2 {
		t.Errorf("Tokens = %v; want [1 2]", toks)
	}

	toks[0] = 99
	if tr.Tokens()[0] != 1 {
		t.Error("Tokens returned the internal slice")
	}
}
