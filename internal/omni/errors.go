package omni

import (
	"errors"
	"fmt"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/prompt"
)

var (
	// ErrInvalidPrompt matches request input rejected before generation.
	ErrInvalidPrompt = prompt.ErrInvalidPrompt
	// ErrInvalidConfig matches malformed option values.
	ErrInvalidConfig = config.ErrInvalidConfig

	// ErrDecodeFailure matches every DecodeError.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrSynthesisFailure matches every SynthesisError.
	ErrSynthesisFailure = errors.New("synthesis failure")

	// ErrEmptyTrace is wrapped by a DecodeError when decoding stopped
	// normally without committing a single text token.
	ErrEmptyTrace = errors.New("text decode produced no tokens")
)

// DecodeError reports a failed text decode. Tokens already committed to the
// trace are kept and returned in the Result.
type DecodeError struct {
	Stage  string
	Tokens int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failure at %s after %d tokens: %v", e.Stage, e.Tokens, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecodeFailure }

// SynthesisError reports a failed talker or vocoder step. Chunks delivered
// before the failure stand as the final output.
type SynthesisError struct {
	Stage        string
	SpeechTokens int
	Chunks       int
	Err          error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failure at %s after %d speech tokens, %d chunks: %v",
		e.Stage, e.SpeechTokens, e.Chunks, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func (e *SynthesisError) Is(target error) bool { return target == ErrSynthesisFailure }

// Outcome classifies a Respond error for metrics and stats.
func Outcome(err error, cancelled bool) string {
	switch {
	case err == nil && cancelled:
		return "cancelled"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidPrompt):
		return "invalid_prompt"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	case errors.Is(err, ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(err, ErrSynthesisFailure):
		return "synthesis_failure"
	default:
		return "error"
	}
}
