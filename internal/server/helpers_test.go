package server_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/observe"
	"github.com/example/go-omni/internal/omni"
	"github.com/example/go-omni/internal/omni/mock"
	"github.com/example/go-omni/internal/server"
)

const samplesPerToken = 3

// fixture is a scheduler over the omni mocks plus the doubles behind it.
type fixture struct {
	sched   *omni.Scheduler
	metrics *observe.Metrics
	text    *mock.TextModel
	talker  *mock.TalkerModel
	vocoder *mock.Vocoder
	tmp     string
}

func newMetrics(t *testing.T) *observe.Metrics {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newFixture scripts textTokens text tokens (IDs 10, 11, ... decoded as
// "klm...") and speechTokens speech tokens, chunked two at a time.
func newFixture(t *testing.T, textTokens, speechTokens int) *fixture {
	t.Helper()

	script := make([]omni.Token, textTokens)
	for i := range script {
		script[i] = omni.Token(10 + i)
	}

	f := &fixture{
		metrics: newMetrics(t),
		text:    &mock.TextModel{Script: script, EOS: 2},
		talker:  &mock.TalkerModel{Tokens: speechTokens},
		vocoder: &mock.Vocoder{SamplesPerToken: samplesPerToken, Rate: audio.OutputSampleRate},
		tmp:     t.TempDir(),
	}

	base := config.DefaultOptions()
	base.TmpPath = f.tmp
	base.ChunkTokens = 2

	sched, err := omni.NewScheduler(omni.Backends{
		Frontend:  &mock.Frontend{Frames: 5, Dim: 4},
		Text:      f.text,
		Talker:    f.talker,
		Vocoder:   f.vocoder,
		Tokenizer: mock.Tokenizer{},
	}, omni.WithBaseOptions(base), omni.WithMetrics(f.metrics))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	f.sched = sched

	return f
}

func (f *fixture) handler(t *testing.T, opts ...server.Option) http.Handler {
	t.Helper()
	return server.NewHandler(f.sched, append([]server.Option{server.WithMetrics(f.metrics)}, opts...)...)
}

// wavBytes encodes a silent 16 kHz clip.
func wavBytes(t *testing.T, seconds float64) []byte {
	t.Helper()

	data, err := audio.EncodeWAV(make([]float32, int(seconds*audio.InputSampleRate)), audio.InputSampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return data
}

// stubResponder lets tests script Respond directly.
type stubResponder struct {
	fn func(ctx context.Context, req omni.Request, text omni.TextSink, wave omni.WaveformSink) (omni.Result, error)
}

func (s *stubResponder) Respond(ctx context.Context, req omni.Request, text omni.TextSink, wave omni.WaveformSink) (omni.Result, error) {
	return s.fn(ctx, req, text, wave)
}

func (s *stubResponder) SampleRate() int { return audio.OutputSampleRate }

// chunkUntilStopped delivers one-sample chunks until the sink declines.
func chunkUntilStopped(_ context.Context, _ omni.Request, _ omni.TextSink, wave omni.WaveformSink) (omni.Result, error) {
	for i := range 2000 {
		if !wave.OnChunk([]float32{0.25}, false) {
			return omni.Result{Chunks: i + 1, Cancelled: true, SampleRate: audio.OutputSampleRate}, nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return omni.Result{}, context.DeadlineExceeded
}
