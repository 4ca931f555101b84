package main

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/observe"
	"github.com/example/go-omni/internal/omni"
	"github.com/example/go-omni/internal/omni/mock"
)

const samplesPerToken = 3

// newScheduler scripts textTokens text tokens (IDs 10, 11, ... decoded as
// "klm...") and speechTokens speech tokens over the omni mocks.
func newScheduler(t *testing.T, textTokens, speechTokens int, opts ...omni.Option) *omni.Scheduler {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	script := make([]omni.Token, textTokens)
	for i := range script {
		script[i] = omni.Token(10 + i)
	}

	base := config.DefaultOptions()
	base.TmpPath = t.TempDir()
	base.ChunkTokens = 2

	sched, err := omni.NewScheduler(omni.Backends{
		Frontend:  &mock.Frontend{Frames: 5, Dim: 4},
		Text:      &mock.TextModel{Script: script, EOS: 2},
		Talker:    &mock.TalkerModel{Tokens: speechTokens},
		Vocoder:   &mock.Vocoder{SamplesPerToken: samplesPerToken, Rate: audio.OutputSampleRate},
		Tokenizer: mock.Tokenizer{},
	}, append([]omni.Option{omni.WithBaseOptions(base), omni.WithMetrics(metrics)}, opts...)...)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return sched
}

// silentClip is a 16 kHz clip of the given length.
func silentClip(seconds float64) audio.Clip {
	return audio.Clip{
		Samples:    make([]float32, int(seconds*audio.InputSampleRate)),
		SampleRate: audio.InputSampleRate,
	}
}
