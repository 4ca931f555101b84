package omni

import (
	"sync"
	"time"
)

// SessionContext accumulates the counters of one request. Stages write to
// it while generation runs; Snapshot may be read at any time.
type SessionContext struct {
	mu              sync.Mutex
	promptTokens    int
	generated       int
	speechTokens    int
	chunks          int
	audioInput      float64
	audioProcessing time.Duration
	prefill         time.Duration
	decode          time.Duration
}

func NewSessionContext() *SessionContext {
	return &SessionContext{}
}

// SetPromptTokens records the prefill length once prefill finishes.
func (s *SessionContext) SetPromptTokens(n int) {
	s.mu.Lock()
	s.promptTokens = n
	s.mu.Unlock()
}

// AddGenerated counts one committed text token.
func (s *SessionContext) AddGenerated() {
	s.mu.Lock()
	s.generated++
	s.mu.Unlock()
}

func (s *SessionContext) AddSpeechToken() {
	s.mu.Lock()
	s.speechTokens++
	s.mu.Unlock()
}

func (s *SessionContext) AddChunk() {
	s.mu.Lock()
	s.chunks++
	s.mu.Unlock()
}

// SetAudioInput records the input clip length in seconds.
func (s *SessionContext) SetAudioInput(seconds float64) {
	s.mu.Lock()
	s.audioInput = seconds
	s.mu.Unlock()
}

// AddAudioProcessing accumulates wall time spent in the audio frontend and
// the vocoder.
func (s *SessionContext) AddAudioProcessing(d time.Duration) {
	s.mu.Lock()
	s.audioProcessing += d
	s.mu.Unlock()
}

func (s *SessionContext) SetPrefill(d time.Duration) {
	s.mu.Lock()
	s.prefill = d
	s.mu.Unlock()
}

func (s *SessionContext) AddDecode(d time.Duration) {
	s.mu.Lock()
	s.decode += d
	s.mu.Unlock()
}

func (s *SessionContext) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PromptTokens:          s.promptTokens,
		GeneratedTokens:       s.generated,
		SpeechTokens:          s.speechTokens,
		Chunks:                s.chunks,
		AudioInputSeconds:     s.audioInput,
		AudioProcessingMicros: s.audioProcessing.Microseconds(),
		PrefillMicros:         s.prefill.Microseconds(),
		DecodeMicros:          s.decode.Microseconds(),
	}
}

// Snapshot is a point-in-time copy of SessionContext counters.
type Snapshot struct {
	PromptTokens          int     `json:"prompt_tokens"`
	GeneratedTokens       int     `json:"generated_tokens"`
	SpeechTokens          int     `json:"speech_tokens"`
	Chunks                int     `json:"chunks"`
	AudioInputSeconds     float64 `json:"audio_input_s"`
	AudioProcessingMicros int64   `json:"audio_processing_us"`
	PrefillMicros         int64   `json:"prefill_us"`
	DecodeMicros          int64   `json:"decode_us"`
}

func (s Snapshot) AudioProcessingSeconds() float64 {
	return float64(s.AudioProcessingMicros) / 1e6
}

// RTF is audio processing time divided by audio input duration, or 0 when
// no input duration was recorded.
func (s Snapshot) RTF() float64 {
	if s.AudioInputSeconds <= 0 {
		return 0
	}
	return s.AudioProcessingSeconds() / s.AudioInputSeconds
}
