// Package omni implements the dual-stream generation scheduler: audio
// conditioning, the autoregressive text decoder, the talker that turns the
// text trace into speech tokens, and chunked vocoding into a gating sink.
//
// Model execution is reached only through the interfaces in this file, so
// the scheduler runs unchanged against ONNX Runtime graphs or test doubles.
package omni

import (
	"context"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/prompt"
)

// Token is a text or speech vocabulary ID. The two vocabularies never share
// a buffer.
type Token = int64

// ConditioningBlock is the audio encoder output spliced into the prompt in
// place of the audio placeholder. It is immutable once produced.
type ConditioningBlock struct {
	Embeddings [][]float32
	Dim        int
	// Duration is the input audio length in seconds.
	Duration float64
}

func (c ConditioningBlock) Frames() int { return len(c.Embeddings) }

// AudioFrontend turns an input clip into a conditioning block.
type AudioFrontend interface {
	Encode(ctx context.Context, clip audio.Clip) (ConditioningBlock, error)
}

// StepOutput is the result of one text model pass: next-token logits and
// the hidden state for the last position.
type StepOutput struct {
	Logits []float32
	Hidden []float32
}

// TextModel creates per-request text decoding sessions over shared weights.
type TextModel interface {
	// NewSession starts a session. scratch is a directory owned by the
	// request for any spill storage.
	NewSession(ctx context.Context, scratch string) (TextSession, error)
	// EOSTokens lists the IDs that end a text response.
	EOSTokens() []Token
}

// TextSession holds the KV state of one request.
type TextSession interface {
	Prefill(ctx context.Context, seq prompt.Sequence, cond ConditioningBlock) (StepOutput, error)
	Step(ctx context.Context, tok Token) (StepOutput, error)
	Close() error
}

// TalkerInput conditions one talker step on text trace entry Pos. When Pad
// is set the trace is exhausted and Cond is empty.
type TalkerInput struct {
	Step int
	Prev Token
	Pos  int
	Cond TraceEntry
	Pad  bool
}

// TalkerModel creates per-request speech token generators.
type TalkerModel interface {
	NewSession(ctx context.Context, speaker string) (TalkerSession, error)
	// EOSToken ends the speech stream.
	EOSToken() Token
	// BOSToken is fed as Prev on the first step.
	BOSToken() Token
}

type TalkerSession interface {
	// Step returns logits over the speech vocabulary.
	Step(ctx context.Context, in TalkerInput) ([]float32, error)
	Close() error
}

// Vocoder maps speech tokens to waveform samples.
type Vocoder interface {
	NewSession(ctx context.Context, speaker string) (VocoderSession, error)
	SampleRate() int
}

type VocoderSession interface {
	// Synthesize converts one chunk of speech tokens. final marks the last
	// chunk of the response so the session can flush any lookahead.
	Synthesize(ctx context.Context, tokens []Token, final bool) ([]float32, error)
	Close() error
}

// Tokenizer is the text vocabulary surface the scheduler needs.
type Tokenizer interface {
	prompt.Encoder
	Decode(ids []int64) string
}

// Backends bundles the model collaborators of a Scheduler.
type Backends struct {
	Frontend  AudioFrontend
	Text      TextModel
	Talker    TalkerModel
	Vocoder   Vocoder
	Tokenizer Tokenizer
}
