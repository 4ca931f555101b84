package omni

import (
	"context"
)

// Talker runs the speech token loop. Step k is conditioned on text trace
// entry k and blocks until that entry is committed. Once the sealed trace is
// exhausted the remaining steps run on pad conditioning.
type Talker struct {
	session   TalkerSession
	sampler   *Sampler
	bos       Token
	eos       Token
	maxTokens int
	stats     *SessionContext

	reason StopReason
}

func NewTalker(session TalkerSession, sampler *Sampler, bos, eos Token, maxTokens int, stats *SessionContext) *Talker {
	if stats == nil {
		stats = NewSessionContext()
	}
	return &Talker{
		session:   session,
		sampler:   sampler,
		bos:       bos,
		eos:       eos,
		maxTokens: maxTokens,
		stats:     stats,
	}
}

// StopReason is valid after Run returns.
func (t *Talker) StopReason() StopReason { return t.reason }

// Run generates speech tokens into out. It returns nil on a natural stop,
// on sink cancellation and when the trace is empty. Step or vocoder
// failures yield a *SynthesisError.
func (t *Talker) Run(ctx context.Context, trace *GenerationTrace, out *Streamer) error {
	// Nothing may be spoken before the first text token exists.
	first, ok, err := trace.Wait(ctx, 0)
	if err != nil {
		t.reason = StopCancelled
		return err
	}
	if !ok {
		t.reason = StopSkipped
		return nil
	}

	prev := t.bos
	for step := 0; step < t.maxTokens; step++ {
		if err := ctx.Err(); err != nil {
			t.reason = StopCancelled
			return err
		}

		in := TalkerInput{Step: step, Prev: prev, Pos: step}
		if step == 0 {
			in.Cond = first
		} else {
			e, ok, err := trace.Wait(ctx, step)
			if err != nil {
				t.reason = StopCancelled
				return err
			}
			if ok {
				in.Cond = e
			} else {
				in.Pad = true
				in.Pos = -1
			}
		}

		logits, err := t.session.Step(ctx, in)
		if err != nil {
			t.reason = StopError
			return &SynthesisError{Stage: "talker", SpeechTokens: out.SpeechTokens(), Chunks: out.Chunks(), Err: err}
		}

		tok := t.sampler.Select(logits)
		if tok < 0 {
			t.reason = StopError
			return &SynthesisError{Stage: "talker", SpeechTokens: out.SpeechTokens(), Chunks: out.Chunks(), Err: errEmptyLogits}
		}
		if tok == t.eos {
			t.reason = StopEOS
			return t.finish(ctx, out)
		}

		t.stats.AddSpeechToken()
		more, err := out.Push(ctx, tok)
		if err != nil {
			t.reason = StopError
			return err
		}
		if !more {
			t.reason = StopCancelled
			return nil
		}
		prev = tok
	}

	t.reason = StopMaxTokens
	return t.finish(ctx, out)
}

func (t *Talker) finish(ctx context.Context, out *Streamer) error {
	if _, err := out.Finish(ctx); err != nil {
		t.reason = StopError
		return err
	}
	return nil
}
