package omni

import (
	"context"
	"errors"
	"testing"
)

type fakeVocoderSession struct {
	calls []int
	final []bool
	fail  int
	// tail is the number of held-back samples released on the final call.
	tail int
}

func (f *fakeVocoderSession) Synthesize(_ context.Context, tokens []Token, final bool) ([]float32, error) {
	f.calls = append(f.calls, len(tokens))
	f.final = append(f.final, final)
	if f.fail > 0 && len(f.calls) == f.fail {
		return nil, errors.New("vocoder down")
	}
	n := len(tokens) * 2
	if final {
		n += f.tail
	}
	return make([]float32, n), nil
}

func (f *fakeVocoderSession) Close() error { return nil }

type chunkLog struct {
	sizes    []int
	terminal []bool
	stopAt   int
}

func (c *chunkLog) OnChunk(samples []float32, terminal bool) bool {
	c.sizes = append(c.sizes, len(samples))
	c.terminal = append(c.terminal, terminal)
	return c.stopAt == 0 || len(c.sizes) < c.stopAt
}

func push(t *testing.T, s *Streamer, n int) {
	t.Helper()
	for i := range n {
		if _, err := s.Push(context.Background(), Token(i+1)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
}

func TestStreamer_ChunksAndTerminalRemainder(t *testing.T) {
	voc := &fakeVocoderSession{}
	sink := &chunkLog{}
	s := NewStreamer(voc, sink, 4, nil, nil)

	push(t, s, 10)
	if _, err := s.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	wantSizes := []int{8, 8, 4}
	wantTerminal := []bool{false, false, true}
	for i := range wantSizes {
		if sink.sizes[i] != wantSizes[i] || sink.terminal[i] != wantTerminal[i] {
			t.Errorf("chunk %d = %d samples terminal=%v; want %d, %v",
				i, sink.sizes[i], sink.terminal[i], wantSizes[i], wantTerminal[i])
		}
	}

	if len(sink.sizes) != 3 || !s.Terminated() || s.Cancelled() {
		t.Errorf("chunks=%d terminated=%v cancelled=%v", len(sink.sizes), s.Terminated(), s.Cancelled())
	}

	if !voc.final[2] || voc.final[0] {
		t.Errorf("vocoder final flags = %v; want only the last set", voc.final)
	}

	if s.buf.Retired() != 10 || s.buf.Pending() != 0 {
		t.Errorf("retired=%d pending=%d; want 10, 0", s.buf.Retired(), s.buf.Pending())
	}
}

func TestStreamer_EmptyTerminalChunk(t *testing.T) {
	voc := &fakeVocoderSession{}
	sink := &chunkLog{}
	s := NewStreamer(voc, sink, 4, nil, nil)

	push(t, s, 8)
	_, _ = s.Finish(context.Background())

	if len(sink.sizes) != 3 || sink.sizes[2] != 0 || !sink.terminal[2] {
		t.Errorf("chunks = %v terminal = %v; want a zero-length terminal third chunk", sink.sizes, sink.terminal)
	}

	if len(voc.calls) != 3 || voc.calls[2] != 0 || !voc.final[2] {
		t.Errorf("vocoder calls = %v final = %v; want an empty final third call", voc.calls, voc.final)
	}

	// Nothing after the terminal chunk.
	if more, _ := s.Push(context.Background(), 1); more {
		t.Error("Push after terminal chunk reported more")
	}
	_, _ = s.Finish(context.Background())
	if len(sink.sizes) != 3 {
		t.Errorf("chunk delivered after terminal: %v", sink.sizes)
	}
}

func TestStreamer_FinalCallReleasesLookahead(t *testing.T) {
	voc := &fakeVocoderSession{tail: 5}
	sink := &chunkLog{}
	s := NewStreamer(voc, sink, 4, nil, nil)

	push(t, s, 4)
	if _, err := s.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if len(sink.sizes) != 2 || sink.sizes[1] != 5 || !sink.terminal[1] {
		t.Errorf("chunks = %v terminal = %v; want the held-back samples in the terminal chunk", sink.sizes, sink.terminal)
	}
	if s.Samples() != 8+5 {
		t.Errorf("samples = %d; want 13", s.Samples())
	}
}

func TestStreamer_EmptyFinalCallFailure(t *testing.T) {
	voc := &fakeVocoderSession{fail: 2}
	sink := &chunkLog{}
	s := NewStreamer(voc, sink, 4, nil, nil)

	push(t, s, 4)
	_, err := s.Finish(context.Background())

	var se *SynthesisError
	if !errors.As(err, &se) || se.Chunks != 1 {
		t.Fatalf("err = %v; want vocoder SynthesisError after one chunk", err)
	}
	if len(sink.sizes) != 1 || s.Terminated() {
		t.Errorf("chunks = %v terminated = %v; want no terminal chunk", sink.sizes, s.Terminated())
	}
}

func TestStreamer_SinkCancels(t *testing.T) {
	sink := &chunkLog{stopAt: 2}
	s := NewStreamer(&fakeVocoderSession{}, sink, 2, nil, nil)

	for i := range 20 {
		more, err := s.Push(context.Background(), Token(i))
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
		if !more {
			break
		}
	}
	_, _ = s.Finish(context.Background())

	if len(sink.sizes) != 2 {
		t.Errorf("delivered %d chunks; want 2", len(sink.sizes))
	}
	for _, term := range sink.terminal {
		if term {
			t.Error("terminal chunk delivered after cancellation")
		}
	}
	if !s.Cancelled() || s.Terminated() {
		t.Errorf("cancelled=%v terminated=%v; want true, false", s.Cancelled(), s.Terminated())
	}
}

func TestStreamer_VocoderFailure(t *testing.T) {
	sink := &chunkLog{}
	s := NewStreamer(&fakeVocoderSession{fail: 2}, sink, 2, nil, nil)

	var err error
	for i := range 6 {
		if _, err = s.Push(context.Background(), Token(i)); err != nil {
			break
		}
	}

	var se *SynthesisError
	if !errors.As(err, &se) || !errors.Is(err, ErrSynthesisFailure) {
		t.Fatalf("err = %v; want *SynthesisError", err)
	}
	if se.Stage != "vocoder" || se.Chunks != 1 {
		t.Errorf("SynthesisError = %+v; want vocoder stage after 1 chunk", se)
	}
	if len(sink.sizes) != 1 {
		t.Errorf("delivered %d chunks; want 1", len(sink.sizes))
	}
}
