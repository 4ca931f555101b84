// Package mock provides deterministic test doubles for the omni model
// interfaces. Every double can share a Recorder so tests can check the order
// in which the text and speech loops touched each position.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/omni"
	"github.com/example/go-omni/internal/prompt"
)

// ErrInjected is returned by doubles configured to fail.
var ErrInjected = errors.New("mock: injected failure")

// Event kinds recorded by the doubles.
const (
	EventText    = "text"
	EventTalker  = "talker"
	EventVocoder = "vocoder"
)

// Event is one recorded model access. Seq is a global order across all
// doubles sharing a Recorder.
type Event struct {
	Seq  int
	Kind string
	Pos  int
}

type Recorder struct {
	mu     sync.Mutex
	seq    int
	events []Event
}

func (r *Recorder) Record(kind string, pos int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.seq++
	r.events = append(r.events, Event{Seq: r.seq, Kind: kind, Pos: pos})
	r.mu.Unlock()
}

// Events returns a copy of all events, optionally filtered by kind.
func (r *Recorder) Events(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Frontend returns Frames conditioning vectors of width Dim.
type Frontend struct {
	Frames int
	Dim    int
	Err    error

	mu    sync.Mutex
	calls int
}

func (f *Frontend) Encode(_ context.Context, clip audio.Clip) (omni.ConditioningBlock, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.Err != nil {
		return omni.ConditioningBlock{}, f.Err
	}
	dim := max(f.Dim, 1)
	emb := make([][]float32, f.Frames)
	for i := range emb {
		emb[i] = make([]float32, dim)
	}
	return omni.ConditioningBlock{Embeddings: emb, Dim: dim, Duration: clip.Duration()}, nil
}

func (f *Frontend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// TextModel emits Script and then EOS. Logits are one-hot so greedy
// sampling reproduces the script exactly. The hidden state of position i is
// {i}.
type TextModel struct {
	Script []omni.Token
	EOS    omni.Token
	// FailPrefill makes Prefill fail.
	FailPrefill bool
	// FailAtStep makes the n-th Step call (1-based) fail; 0 disables.
	FailAtStep int
	Recorder   *Recorder

	mu      sync.Mutex
	opened  int
	closed  int
	scratch []string
}

func (m *TextModel) EOSTokens() []omni.Token { return []omni.Token{m.EOS} }

func (m *TextModel) NewSession(_ context.Context, scratch string) (omni.TextSession, error) {
	m.mu.Lock()
	m.opened++
	m.scratch = append(m.scratch, scratch)
	m.mu.Unlock()
	return &textSession{m: m}, nil
}

// Sessions returns how many sessions were opened and closed.
func (m *TextModel) Sessions() (opened, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.closed
}

// ScratchDirs lists the scratch directories handed to sessions.
func (m *TextModel) ScratchDirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.scratch...)
}

func (m *TextModel) vocab() int {
	n := int(m.EOS) + 1
	for _, t := range m.Script {
		n = max(n, int(t)+1)
	}
	return n
}

func (m *TextModel) output(pos int) omni.StepOutput {
	next := m.EOS
	if pos < len(m.Script) {
		next = m.Script[pos]
	}
	return omni.StepOutput{Logits: oneHot(m.vocab(), int(next)), Hidden: []float32{float32(pos)}}
}

type textSession struct {
	m     *TextModel
	pos   int
	steps int
}

func (s *textSession) Prefill(_ context.Context, _ prompt.Sequence, _ omni.ConditioningBlock) (omni.StepOutput, error) {
	if s.m.FailPrefill {
		return omni.StepOutput{}, ErrInjected
	}
	s.m.Recorder.Record(EventText, 0)
	return s.m.output(0), nil
}

func (s *textSession) Step(_ context.Context, _ omni.Token) (omni.StepOutput, error) {
	s.steps++
	if s.m.FailAtStep > 0 && s.steps == s.m.FailAtStep {
		return omni.StepOutput{}, ErrInjected
	}
	s.pos++
	s.m.Recorder.Record(EventText, s.pos)
	return s.m.output(s.pos), nil
}

func (s *textSession) Close() error {
	s.m.mu.Lock()
	s.m.closed++
	s.m.mu.Unlock()
	return nil
}

// TalkerModel emits Tokens speech tokens (IDs 1..Tokens) and then EOS (0).
type TalkerModel struct {
	Tokens int
	// FailAtStep makes the n-th step (1-based) fail; 0 disables.
	FailAtStep int
	Recorder   *Recorder

	mu       sync.Mutex
	speakers []string
	inputs   []omni.TalkerInput
	closed   int
}

const (
	talkerEOS omni.Token = 0
	talkerBOS omni.Token = -1
)

func (m *TalkerModel) EOSToken() omni.Token { return talkerEOS }
func (m *TalkerModel) BOSToken() omni.Token { return talkerBOS }

func (m *TalkerModel) NewSession(_ context.Context, speaker string) (omni.TalkerSession, error) {
	m.mu.Lock()
	m.speakers = append(m.speakers, speaker)
	m.mu.Unlock()
	return &talkerSession{m: m}, nil
}

// Speakers lists the speaker of every opened session.
func (m *TalkerModel) Speakers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.speakers...)
}

// Inputs returns every step input seen so far.
func (m *TalkerModel) Inputs() []omni.TalkerInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]omni.TalkerInput(nil), m.inputs...)
}

type talkerSession struct {
	m *TalkerModel
}

func (s *talkerSession) Step(_ context.Context, in omni.TalkerInput) ([]float32, error) {
	s.m.mu.Lock()
	s.m.inputs = append(s.m.inputs, in)
	s.m.mu.Unlock()

	if s.m.FailAtStep > 0 && in.Step == s.m.FailAtStep-1 {
		return nil, ErrInjected
	}
	if !in.Pad {
		s.m.Recorder.Record(EventTalker, in.Pos)
	}

	next := int(talkerEOS)
	if in.Step < s.m.Tokens {
		next = in.Step + 1
	}
	return oneHot(s.m.Tokens+1, next), nil
}

func (s *talkerSession) Close() error {
	s.m.mu.Lock()
	s.m.closed++
	s.m.mu.Unlock()
	return nil
}

// Vocoder returns SamplesPerToken samples per speech token, each equal to
// the token ID.
type Vocoder struct {
	SamplesPerToken int
	Rate            int
	// FailAtChunk makes the n-th Synthesize call (1-based) fail; 0 disables.
	FailAtChunk int
	Recorder    *Recorder

	mu    sync.Mutex
	calls []VocoderCall
}

// VocoderCall is one recorded Synthesize call.
type VocoderCall struct {
	Tokens []omni.Token
	Final  bool
}

func (v *Vocoder) SampleRate() int {
	if v.Rate == 0 {
		return audio.OutputSampleRate
	}
	return v.Rate
}

func (v *Vocoder) NewSession(_ context.Context, _ string) (omni.VocoderSession, error) {
	return &vocoderSession{v: v}, nil
}

func (v *Vocoder) Calls() []VocoderCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]VocoderCall(nil), v.calls...)
}

type vocoderSession struct {
	v      *Vocoder
	chunks int
}

func (s *vocoderSession) Synthesize(_ context.Context, tokens []omni.Token, final bool) ([]float32, error) {
	idx := s.chunks
	s.chunks++

	s.v.mu.Lock()
	s.v.calls = append(s.v.calls, VocoderCall{Tokens: append([]omni.Token(nil), tokens...), Final: final})
	s.v.mu.Unlock()

	if s.v.FailAtChunk > 0 && idx == s.v.FailAtChunk-1 {
		return nil, ErrInjected
	}
	s.v.Recorder.Record(EventVocoder, idx)

	per := max(s.v.SamplesPerToken, 1)
	out := make([]float32, 0, len(tokens)*per)
	for _, t := range tokens {
		for range per {
			out = append(out, float32(t))
		}
	}
	return out, nil
}

func (s *vocoderSession) Close() error { return nil }

// Tokenizer renders token i as the letter 'a'+i%26 and knows the default
// template pieces.
type Tokenizer struct{}

func (Tokenizer) Encode(text string) ([]int64, error) {
	out := make([]int64, 0, len(text))
	for _, r := range text {
		out = append(out, int64(r))
	}
	return out, nil
}

func (Tokenizer) Decode(ids []int64) string {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		b = append(b, byte('a'+id%26))
	}
	return string(b)
}

func (Tokenizer) PieceID(piece string) (int64, bool) {
	tpl := prompt.DefaultTemplate()
	switch piece {
	case tpl.ImStart:
		return 1_000_000, true
	case tpl.ImEnd:
		return 1_000_001, true
	case tpl.AudioStart:
		return 1_000_002, true
	case tpl.AudioEnd:
		return 1_000_003, true
	}
	return 0, false
}

// oneHot peaks hard enough that any sampling temperature picks hot.
func oneHot(n, hot int) []float32 {
	out := make([]float32, n)
	out[hot] = 1000
	return out
}
