package omni

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/example/go-omni/internal/prompt"
)

var errEmptyLogits = errors.New("model returned empty logits")

// DecoderState is the text decoder's position in its lifecycle.
type DecoderState int

const (
	StateIdle DecoderState = iota
	StatePrefilling
	StateDecoding
	StateStopped
)

func (s DecoderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefilling:
		return "prefilling"
	case StateDecoding:
		return "decoding"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason says why a generation loop ended.
type StopReason string

const (
	StopNone      StopReason = ""
	StopEOS       StopReason = "eos"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
	StopCancelled StopReason = "cancelled"
	// StopSkipped means the talker never ran because the trace was empty.
	StopSkipped StopReason = "skipped"
)

// TextToken is one committed text token as seen by a TextSink. Text is the
// newly printable suffix of the response; it may be empty while a multi-byte
// character is still incomplete. Retract is the number of bytes at the end
// of the text delivered so far that Text replaces, for tokenizers whose
// decoding of the whole sequence rewrites earlier output.
type TextToken struct {
	Index   int
	ID      Token
	Text    string
	Retract int
}

// TextSink receives committed text tokens for live display. It cannot stop
// or slow decoding.
type TextSink interface {
	OnToken(tok TextToken)
}

type TextSinkFunc func(tok TextToken)

func (f TextSinkFunc) OnToken(tok TextToken) { f(tok) }

// TextDecoder runs the autoregressive text loop for one request.
type TextDecoder struct {
	session   TextSession
	sampler   *Sampler
	eos       map[Token]struct{}
	maxTokens int
	stats     *SessionContext
	detok     Tokenizer

	mu     sync.Mutex
	state  DecoderState
	reason StopReason

	tokens  []Token
	emitted string
}

func NewTextDecoder(session TextSession, sampler *Sampler, eos []Token, maxTokens int, stats *SessionContext, detok Tokenizer) *TextDecoder {
	set := make(map[Token]struct{}, len(eos))
	for _, id := range eos {
		set[id] = struct{}{}
	}
	if stats == nil {
		stats = NewSessionContext()
	}
	return &TextDecoder{
		session:   session,
		sampler:   sampler,
		eos:       set,
		maxTokens: maxTokens,
		stats:     stats,
		detok:     detok,
	}
}

func (d *TextDecoder) State() DecoderState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *TextDecoder) StopReason() StopReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

func (d *TextDecoder) setState(s DecoderState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Text returns the decoded response so far.
func (d *TextDecoder) Text() string {
	if d.detok == nil {
		return ""
	}
	return d.detok.Decode(d.tokens)
}

// Run prefills on seq and cond, then decodes into trace until an EOS token
// or maxTokens committed tokens. The trace is sealed on every return path.
// A failed model pass yields a *DecodeError; committed tokens stay in the
// trace.
func (d *TextDecoder) Run(ctx context.Context, seq prompt.Sequence, cond ConditioningBlock, trace *GenerationTrace, sink TextSink) error {
	d.setState(StatePrefilling)

	start := time.Now()
	out, err := d.session.Prefill(ctx, seq, cond)
	d.stats.SetPrefill(time.Since(start))
	if err != nil {
		return d.stop(trace, StopError, &DecodeError{Stage: "prefill", Err: err})
	}
	d.stats.SetPromptTokens(seq.Len(cond.Frames()))

	d.setState(StateDecoding)

	for {
		if err := ctx.Err(); err != nil {
			return d.stop(trace, StopCancelled, err)
		}

		tok := d.sampler.Select(out.Logits)
		if tok < 0 {
			return d.stop(trace, StopError, &DecodeError{Stage: "sample", Tokens: trace.Len(), Err: errEmptyLogits})
		}

		if _, ok := d.eos[tok]; ok {
			return d.stop(trace, StopEOS, nil)
		}

		if err := trace.Append(TraceEntry{Token: tok, Hidden: append([]float32(nil), out.Hidden...)}); err != nil {
			return d.stop(trace, StopError, &DecodeError{Stage: "commit", Tokens: trace.Len(), Err: err})
		}
		d.stats.AddGenerated()
		d.emit(sink, tok)

		if trace.Len() >= d.maxTokens {
			return d.stop(trace, StopMaxTokens, nil)
		}

		stepStart := time.Now()
		out, err = d.session.Step(ctx, tok)
		d.stats.AddDecode(time.Since(stepStart))
		if err != nil {
			return d.stop(trace, StopError, &DecodeError{Stage: "step", Tokens: trace.Len(), Err: err})
		}
	}
}

func (d *TextDecoder) stop(trace *GenerationTrace, reason StopReason, err error) error {
	if err == nil && trace.Len() == 0 {
		err = &DecodeError{Stage: "decode", Err: ErrEmptyTrace}
	}
	trace.Seal(err)

	d.mu.Lock()
	d.state = StateStopped
	d.reason = reason
	d.mu.Unlock()

	return err
}

func (d *TextDecoder) emit(sink TextSink, tok Token) {
	d.tokens = append(d.tokens, tok)
	if sink == nil {
		return
	}

	out := TextToken{Index: len(d.tokens) - 1, ID: tok}
	if d.detok != nil {
		full := d.detok.Decode(d.tokens)
		if utf8.ValidString(full) && !strings.HasSuffix(full, "\uFFFD") {
			n := commonPrefix(d.emitted, full)
			out.Retract = len(d.emitted) - n
			out.Text = full[n:]
			d.emitted = full
		}
		// Otherwise wait for the rest of a byte-fallback sequence.
	}

	sink.OnToken(out)
}

// commonPrefix returns the byte length of the longest common prefix of a and
// b, backed off to a rune boundary.
func commonPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	for n > 0 && n < len(b) && !utf8.RuneStart(b[n]) {
		n--
	}
	return n
}
