// Package prompt builds the user prompt for a speech-in request and renders
// it into the token segments the text model prefills on.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultInstruction is used when the caller supplies no instruction.
const DefaultInstruction = "请你用中文总结一下这段音频的内容。"

const (
	audioOpen  = "<audio>"
	audioClose = "</audio>"
)

// ErrInvalidPrompt is matched by every InvalidPromptError.
var ErrInvalidPrompt = errors.New("invalid prompt")

// InvalidPromptError reports request input that cannot form a prompt.
type InvalidPromptError struct {
	Field  string
	Reason string
}

func (e *InvalidPromptError) Error() string {
	return fmt.Sprintf("invalid prompt: %s %s", e.Field, e.Reason)
}

func (e *InvalidPromptError) Is(target error) bool {
	return target == ErrInvalidPrompt
}

// Prompt is a structured request: one audio block and literal text.
type Prompt struct {
	AudioRef    string
	Instruction string
}

// Build validates the request input and fills in the default instruction.
func Build(audioRef, instruction string) (Prompt, error) {
	ref := strings.TrimSpace(audioRef)
	if ref == "" {
		return Prompt{}, &InvalidPromptError{Field: "audio_ref", Reason: "is empty"}
	}
	if strings.Contains(ref, audioClose) {
		return Prompt{}, &InvalidPromptError{Field: "audio_ref", Reason: "contains " + audioClose}
	}

	text := strings.TrimSpace(norm.NFC.String(instruction))
	if text == "" {
		text = DefaultInstruction
	}

	return Prompt{AudioRef: ref, Instruction: text}, nil
}

// Render returns the flat textual form, e.g. "<audio>a.wav</audio>Summarise".
func (p Prompt) Render() string {
	return audioOpen + p.AudioRef + audioClose + p.Instruction
}

func (p Prompt) String() string { return p.Render() }

// ParseAudioTag parses the flat form produced by Render. Text before the
// audio block is not allowed.
func ParseAudioTag(s string) (Prompt, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), audioOpen)
	if !ok {
		return Prompt{}, &InvalidPromptError{Field: "prompt", Reason: "missing " + audioOpen + " block"}
	}
	ref, instruction, ok := strings.Cut(rest, audioClose)
	if !ok {
		return Prompt{}, &InvalidPromptError{Field: "prompt", Reason: "unterminated " + audioOpen + " block"}
	}
	return Build(ref, instruction)
}
