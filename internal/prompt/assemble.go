package prompt

import (
	"fmt"
)

// Encoder is the tokenizer surface Assemble needs.
type Encoder interface {
	Encode(text string) ([]int64, error)
	PieceID(piece string) (int64, bool)
}

// Template describes the chat layout around the prompt. Special pieces are
// looked up in the tokenizer vocabulary by exact text.
type Template struct {
	System     string
	ImStart    string
	ImEnd      string
	AudioStart string
	AudioEnd   string
}

func DefaultTemplate() Template {
	return Template{
		System: "You are Qwen, a virtual human developed by the Qwen Team, Alibaba Group, " +
			"capable of perceiving auditory and visual inputs, as well as generating text and speech.",
		ImStart:    "<|im_start|>",
		ImEnd:      "<|im_end|>",
		AudioStart: "<|audio_bos|>",
		AudioEnd:   "<|audio_eos|>",
	}
}

type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentAudio
)

// Segment is either literal text tokens or the placeholder where the
// conditioning block is spliced in.
type Segment struct {
	Kind   SegmentKind
	Tokens []int64
}

// Sequence is the assembled prompt: text segments around exactly one audio
// placeholder.
type Sequence struct {
	Segments []Segment
}

// TextTokens counts literal tokens across all text segments.
func (s Sequence) TextTokens() int {
	n := 0
	for _, seg := range s.Segments {
		if seg.Kind == SegmentText {
			n += len(seg.Tokens)
		}
	}
	return n
}

// Len is the prefill length once the audio placeholder expands to
// audioFrames conditioning vectors.
func (s Sequence) Len(audioFrames int) int {
	n := s.TextTokens()
	for _, seg := range s.Segments {
		if seg.Kind == SegmentAudio {
			n += audioFrames
		}
	}
	return n
}

// Assemble renders p through tpl into token segments.
func Assemble(p Prompt, enc Encoder, tpl Template) (Sequence, error) {
	if p.AudioRef == "" {
		return Sequence{}, &InvalidPromptError{Field: "audio_ref", Reason: "is empty"}
	}

	b := &seqBuilder{enc: enc}

	b.special(tpl.ImStart)
	b.text("system\n" + tpl.System)
	b.special(tpl.ImEnd)
	b.text("\n")
	b.special(tpl.ImStart)
	b.text("user\n")
	b.special(tpl.AudioStart)
	b.audio()
	b.special(tpl.AudioEnd)
	b.text(p.Instruction)
	b.special(tpl.ImEnd)
	b.text("\n")
	b.special(tpl.ImStart)
	b.text("assistant\n")

	if b.err != nil {
		return Sequence{}, b.err
	}

	return b.finish(), nil
}

type seqBuilder struct {
	enc  Encoder
	segs []Segment
	cur  []int64
	err  error
}

func (b *seqBuilder) special(piece string) {
	if b.err != nil || piece == "" {
		return
	}
	id, ok := b.enc.PieceID(piece)
	if !ok {
		b.err = fmt.Errorf("template piece %q not in vocabulary", piece)
		return
	}
	b.cur = append(b.cur, id)
}

func (b *seqBuilder) text(s string) {
	if b.err != nil || s == "" {
		return
	}
	ids, err := b.enc.Encode(s)
	if err != nil {
		b.err = fmt.Errorf("encode prompt text: %w", err)
		return
	}
	b.cur = append(b.cur, ids...)
}

func (b *seqBuilder) audio() {
	b.flush()
	b.segs = append(b.segs, Segment{Kind: SegmentAudio})
}

func (b *seqBuilder) flush() {
	if len(b.cur) == 0 {
		return
	}
	b.segs = append(b.segs, Segment{Kind: SegmentText, Tokens: b.cur})
	b.cur = nil
}

func (b *seqBuilder) finish() Sequence {
	b.flush()
	return Sequence{Segments: b.segs}
}
