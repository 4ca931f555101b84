package audio

import (
	"log/slog"
	"sync"
)

// Collector accumulates streamed waveform chunks and hands the complete
// waveform to OnComplete when the terminal chunk arrives. Samples are
// copied because chunk buffers are only valid during the call.
type Collector struct {
	// OnComplete receives the full waveform once the terminal chunk arrives.
	// A non-nil error is logged and the stream keeps going.
	OnComplete func(samples []float32) error

	mu       sync.Mutex
	samples  []float32
	chunks   int
	complete bool
}

// OnChunk implements the gating waveform sink contract and always asks for
// more audio.
func (c *Collector) OnChunk(samples []float32, terminal bool) bool {
	c.mu.Lock()
	c.samples = append(c.samples, samples...)
	c.chunks++
	if !terminal {
		c.mu.Unlock()
		return true
	}
	full := c.samples
	c.samples = nil
	c.complete = true
	c.mu.Unlock()

	if c.OnComplete != nil {
		if err := c.OnComplete(full); err != nil {
			slog.Error("waveform completion handler failed", "error", err, "samples", len(full))
		}
	}
	return true
}

// Chunks returns the number of chunks received so far.
func (c *Collector) Chunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks
}

// Complete reports whether the terminal chunk has been received.
func (c *Collector) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Pending returns a copy of samples received since the last terminal chunk.
func (c *Collector) Pending() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float32(nil), c.samples...)
}
