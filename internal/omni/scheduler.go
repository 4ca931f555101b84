package omni

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/observe"
	"github.com/example/go-omni/internal/prompt"
)

// Request is one speech-in request.
type Request struct {
	// AudioRef names the input audio (a path or upload name). It is carried
	// into the prompt's audio block.
	AudioRef string
	// Clip is the decoded input audio.
	Clip        audio.Clip
	Instruction string
	// Options are flat option layers applied over the scheduler defaults in
	// order.
	Options []map[string]any
}

// Result describes a finished response. It is also returned, partially
// filled, alongside DecodeError and SynthesisError.
type Result struct {
	Prompt         prompt.Prompt
	Text           string
	Tokens         []Token
	TextStop       StopReason
	SpeechStop     StopReason
	SpeechTokens   int
	Chunks         int
	Samples        int
	SampleRate     int
	Terminal       bool
	Cancelled      bool
	Stats          Snapshot
	Options        config.Options
	UnknownOptions []string
	Duration       time.Duration
}

// Recorder receives every finished response. Implementations must not block.
type Recorder interface {
	Record(ctx context.Context, req Request, res Result, err error)
}

// Scheduler couples the text decoder and the talker for each request.
type Scheduler struct {
	b        Backends
	exec     *Executor
	base     config.Options
	tpl      prompt.Template
	metrics  *observe.Metrics
	recorder Recorder
}

type Option func(*Scheduler)

// WithExecutor shares an executor between schedulers. The default allows one
// request at a time.
func WithExecutor(e *Executor) Option {
	return func(s *Scheduler) { s.exec = e }
}

// WithBaseOptions sets the defaults request option layers apply over.
func WithBaseOptions(o config.Options) Option {
	return func(s *Scheduler) { s.base = o }
}

func WithTemplate(t prompt.Template) Option {
	return func(s *Scheduler) { s.tpl = t }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

func NewScheduler(b Backends, opts ...Option) (*Scheduler, error) {
	switch {
	case b.Frontend == nil:
		return nil, errors.New("omni: audio frontend is required")
	case b.Text == nil:
		return nil, errors.New("omni: text model is required")
	case b.Talker == nil:
		return nil, errors.New("omni: talker model is required")
	case b.Vocoder == nil:
		return nil, errors.New("omni: vocoder is required")
	case b.Tokenizer == nil:
		return nil, errors.New("omni: tokenizer is required")
	}

	s := &Scheduler{
		b:    b,
		base: config.DefaultOptions(),
		tpl:  prompt.DefaultTemplate(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.exec == nil {
		s.exec = NewExecutor(1)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	// Fail at construction on a bad default rather than on every request.
	base, _, err := config.ResolveOptions(s.base)
	if err != nil {
		return nil, err
	}
	s.base = base

	return s, nil
}

// BaseOptions returns the resolved defaults.
func (s *Scheduler) BaseOptions() config.Options { return s.base }

func (s *Scheduler) Executor() *Executor { return s.exec }

// SampleRate is the rate of delivered waveform samples.
func (s *Scheduler) SampleRate() int { return s.b.Vocoder.SampleRate() }

// Respond runs one request. Text tokens go to text (which may be nil) as
// they are committed; waveform chunks go to wave, which gates generation.
//
// Errors: InvalidPromptError and InvalidConfigError are returned before any
// model runs. A *DecodeError or *SynthesisError is returned together with
// the partial Result. A sink returning false is not an error: the Result has
// Cancelled set. Context cancellation returns the context error.
func (s *Scheduler) Respond(ctx context.Context, req Request, text TextSink, wave WaveformSink) (Result, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "omni.respond")
	defer span.End()

	res, err := s.respond(ctx, req, text, wave)
	res.Duration = time.Since(start)

	outcome := Outcome(err, res.Cancelled)
	s.metrics.RecordResponse(ctx, outcome)
	s.metrics.ResponseDuration.Record(ctx, res.Duration.Seconds())
	if rtf := res.Stats.RTF(); rtf > 0 {
		s.metrics.RTF.Record(ctx, rtf)
	}

	span.SetAttributes(
		attribute.String("omni.outcome", outcome),
		attribute.Int("omni.prompt_tokens", res.Stats.PromptTokens),
		attribute.Int("omni.text_tokens", len(res.Tokens)),
		attribute.Int("omni.speech_tokens", res.SpeechTokens),
		attribute.Int("omni.chunks", res.Chunks),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}

	log := observe.Logger(ctx)
	if err != nil {
		log.Warn("response failed", "outcome", outcome, "error", err, "tokens", len(res.Tokens), "chunks", res.Chunks)
	} else {
		log.Info("response finished",
			"outcome", outcome,
			"prompt_tokens", res.Stats.PromptTokens,
			"tokens", len(res.Tokens),
			"speech_tokens", res.SpeechTokens,
			"chunks", res.Chunks,
			"audio_input_s", res.Stats.AudioInputSeconds,
			"rtf", res.Stats.RTF(),
			"duration", res.Duration,
		)
	}

	if s.recorder != nil {
		s.recorder.Record(ctx, req, res, err)
	}

	return res, err
}

func (s *Scheduler) respond(ctx context.Context, req Request, text TextSink, wave WaveformSink) (res Result, err error) {
	p, err := prompt.Build(req.AudioRef, req.Instruction)
	if err != nil {
		return res, err
	}
	res.Prompt = p

	opts, unknown, err := config.ResolveOptions(s.base, req.Options...)
	if err != nil {
		return res, err
	}
	res.Options = opts
	res.UnknownOptions = unknown
	res.SampleRate = s.b.Vocoder.SampleRate()

	log := observe.Logger(ctx)
	if len(unknown) > 0 {
		log.Warn("ignoring unknown options", "keys", unknown)
	}

	if req.Clip.Empty() {
		return res, &prompt.InvalidPromptError{Field: "audio", Reason: "has no samples"}
	}

	if wave == nil {
		wave = WaveformSinkFunc(func([]float32, bool) bool { return true })
	}

	lease, err := s.exec.Acquire(ctx, opts.TmpPath)
	if err != nil {
		return res, fmt.Errorf("acquire executor: %w", err)
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			log.Warn("release executor lease", "error", rerr)
		}
	}()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	sess := NewSessionContext()
	defer func() { res.Stats = sess.Snapshot() }()

	cond, err := s.encodeAudio(ctx, req.Clip, sess)
	if err != nil {
		return res, err
	}

	seq, err := prompt.Assemble(p, s.b.Tokenizer, s.tpl)
	if err != nil {
		return res, fmt.Errorf("assemble prompt: %w", err)
	}

	textSess, err := s.b.Text.NewSession(ctx, lease.Scratch)
	if err != nil {
		return res, &DecodeError{Stage: "session", Err: err}
	}
	defer closeLogged(log, "text session", textSess.Close)

	talkSess, err := s.b.Talker.NewSession(ctx, opts.TalkerSpeaker)
	if err != nil {
		return res, &SynthesisError{Stage: "talker_session", Err: err}
	}
	defer closeLogged(log, "talker session", talkSess.Close)

	vocSess, err := s.b.Vocoder.NewSession(ctx, opts.TalkerSpeaker)
	if err != nil {
		return res, &SynthesisError{Stage: "vocoder_session", Err: err}
	}
	defer closeLogged(log, "vocoder session", vocSess.Close)

	trace := NewGenerationTrace(opts.MaxNewTokens)
	dec := NewTextDecoder(textSess,
		NewSampler(opts.Temperature, opts.TopK, opts.TopP, opts.Seed),
		s.b.Text.EOSTokens(), opts.MaxNewTokens, sess, s.b.Tokenizer)

	talkerSeed := opts.Seed
	if talkerSeed != 0 {
		talkerSeed++
	}
	talker := NewTalker(talkSess,
		NewSampler(opts.TalkerTemperature, opts.TalkerTopK, 1, talkerSeed),
		s.b.Talker.BOSToken(), s.b.Talker.EOSToken(), opts.TalkerMaxNewTokens, sess)
	streamer := NewStreamer(vocSess, wave, opts.ChunkTokens, sess, s.metrics)

	var decErr, synErr error
	if opts.Async {
		var g errgroup.Group
		g.Go(func() error {
			decErr = dec.Run(ctx, seq, cond, trace, text)
			return nil
		})
		g.Go(func() error {
			return talker.Run(ctx, trace, streamer)
		})
		synErr = g.Wait()
	} else {
		decErr = dec.Run(ctx, seq, cond, trace, text)
		if ctx.Err() == nil {
			synErr = talker.Run(ctx, trace, streamer)
		}
	}

	res.Tokens = trace.Tokens()
	res.Text = dec.Text()
	res.TextStop = dec.StopReason()
	res.SpeechStop = talker.StopReason()
	res.SpeechTokens = streamer.SpeechTokens()
	res.Chunks = streamer.Chunks()
	res.Samples = streamer.Samples()
	res.Terminal = streamer.Terminated()
	res.Cancelled = streamer.Cancelled()

	s.metrics.TextTokens.Add(ctx, int64(len(res.Tokens)))
	s.metrics.SpeechTokens.Add(ctx, int64(res.SpeechTokens))

	switch {
	case decErr != nil && synErr != nil:
		// The decode failure classifies the response; the synthesis failure
		// of the partial trace stays reachable through errors.Is.
		return res, errors.Join(decErr, synErr)
	case decErr != nil:
		return res, decErr
	}
	return res, synErr
}

func (s *Scheduler) encodeAudio(ctx context.Context, clip audio.Clip, sess *SessionContext) (ConditioningBlock, error) {
	ctx, span := observe.StartSpan(ctx, "omni.audio_encoder")
	defer span.End()

	start := time.Now()
	cond, err := s.b.Frontend.Encode(ctx, clip)
	elapsed := time.Since(start)
	sess.AddAudioProcessing(elapsed)
	s.metrics.FrontendDuration.Record(ctx, elapsed.Seconds())
	if err != nil {
		span.RecordError(err)
		return ConditioningBlock{}, &DecodeError{Stage: "audio_encoder", Err: err}
	}

	duration := cond.Duration
	if duration <= 0 {
		duration = clip.Duration()
	}
	sess.SetAudioInput(duration)

	return cond, nil
}

func closeLogged(log *slog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn("close "+what, "error", err)
	}
}
