package omni

import (
	"context"
	"time"

	"github.com/example/go-omni/internal/observe"
)

// WaveformSink consumes waveform chunks. samples is only valid during the
// call. Returning false cancels generation; the response still completes
// successfully with the audio delivered so far.
type WaveformSink interface {
	OnChunk(samples []float32, terminal bool) bool
}

type WaveformSinkFunc func(samples []float32, terminal bool) bool

func (f WaveformSinkFunc) OnChunk(samples []float32, terminal bool) bool { return f(samples, terminal) }

// WaveformChunk is one delivered block of samples.
type WaveformChunk struct {
	Index    int
	Samples  []float32
	Terminal bool
}

// SpeechTokenBuffer holds speech tokens not yet vocoded. Take retires them.
type SpeechTokenBuffer struct {
	pending []Token
	total   int
	retired int
}

func (b *SpeechTokenBuffer) Append(tok Token) {
	b.pending = append(b.pending, tok)
	b.total++
}

// Pending is the number of tokens waiting for the vocoder.
func (b *SpeechTokenBuffer) Pending() int { return len(b.pending) }

// Total is the number of tokens ever appended.
func (b *SpeechTokenBuffer) Total() int { return b.total }

func (b *SpeechTokenBuffer) Retired() int { return b.retired }

// Take removes and returns all pending tokens.
func (b *SpeechTokenBuffer) Take() []Token {
	out := b.pending
	b.retired += len(out)
	b.pending = make([]Token, 0, cap(out))
	return out
}

// Streamer vocodes speech tokens every chunkTokens tokens and delivers each
// chunk to the sink before producing the next one.
type Streamer struct {
	vocoder     VocoderSession
	sink        WaveformSink
	chunkTokens int
	stats       *SessionContext
	metrics     *observe.Metrics

	buf        SpeechTokenBuffer
	chunks     int
	samples    int
	cancelled  bool
	terminated bool
}

func NewStreamer(vocoder VocoderSession, sink WaveformSink, chunkTokens int, stats *SessionContext, metrics *observe.Metrics) *Streamer {
	if stats == nil {
		stats = NewSessionContext()
	}
	return &Streamer{
		vocoder:     vocoder,
		sink:        sink,
		chunkTokens: max(chunkTokens, 1),
		stats:       stats,
		metrics:     metrics,
	}
}

// Push buffers tok and flushes a full chunk. It reports whether the sink
// wants more audio.
func (s *Streamer) Push(ctx context.Context, tok Token) (bool, error) {
	if s.done() {
		return false, nil
	}
	s.buf.Append(tok)
	if s.buf.Pending() < s.chunkTokens {
		return true, nil
	}
	return s.flush(ctx, false)
}

// Finish vocodes the remaining tokens, possibly none, with the final flag
// set and delivers the result as the terminal chunk. It does nothing once the
// stream was cancelled or already terminated.
func (s *Streamer) Finish(ctx context.Context) (bool, error) {
	if s.done() {
		return false, nil
	}
	return s.flush(ctx, true)
}

func (s *Streamer) flush(ctx context.Context, terminal bool) (bool, error) {
	tokens := s.buf.Take()

	// The terminal call runs even with no tokens left so the vocoder can
	// flush its lookahead.
	start := time.Now()
	samples, err := s.vocoder.Synthesize(ctx, tokens, terminal)
	elapsed := time.Since(start)
	s.stats.AddAudioProcessing(elapsed)
	if s.metrics != nil {
		s.metrics.VocoderDuration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		return false, &SynthesisError{Stage: "vocoder", SpeechTokens: s.buf.Total(), Chunks: s.chunks, Err: err}
	}

	more := s.sink.OnChunk(samples, terminal)
	s.chunks++
	s.samples += len(samples)
	s.stats.AddChunk()
	if s.metrics != nil {
		s.metrics.RecordChunk(ctx, terminal)
	}

	if terminal {
		s.terminated = true
		return false, nil
	}
	if !more {
		s.cancelled = true
	}
	return more, nil
}

func (s *Streamer) done() bool { return s.cancelled || s.terminated }

func (s *Streamer) Chunks() int       { return s.chunks }
func (s *Streamer) Samples() int      { return s.samples }
func (s *Streamer) SpeechTokens() int { return s.buf.Total() }

// Cancelled reports whether the sink stopped the stream before the terminal
// chunk.
func (s *Streamer) Cancelled() bool { return s.cancelled }

// Terminated reports whether the terminal chunk was delivered.
func (s *Streamer) Terminated() bool { return s.terminated }
