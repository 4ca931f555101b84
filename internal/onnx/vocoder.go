package onnx

import (
	"context"
	"fmt"

	"github.com/example/go-omni/internal/omni"
)

// Token2Wav runs the token2wav graph: "speech_tokens" [1, N], "speaker_id"
// [1], "finalize" [1] -> "waveform" [1, S] at the bundle's sample rate.
type Token2Wav struct {
	e *Engine
}

func (v *Token2Wav) NewSession(_ context.Context, speaker string) (omni.VocoderSession, error) {
	id, err := v.e.speakerID(speaker)
	if err != nil {
		return nil, err
	}
	return &vocoderSession{e: v.e, speaker: id}, nil
}

func (v *Token2Wav) SampleRate() int { return v.e.model.SampleRate }

type vocoderSession struct {
	e       *Engine
	speaker int64
}

func (s *vocoderSession) Synthesize(ctx context.Context, tokens []omni.Token, final bool) ([]float32, error) {
	// The graph keeps no state between calls, so an empty final call has
	// nothing to flush.
	if len(tokens) == 0 {
		return nil, nil
	}

	runner, err := s.e.runner(GraphToken2Wav)
	if err != nil {
		return nil, err
	}

	tokTensor, err := NewTensor(tokens, []int64{1, int64(len(tokens))})
	if err != nil {
		return nil, fmt.Errorf("%s: speech_tokens: %w", GraphToken2Wav, err)
	}

	finalize := int64(0)
	if final {
		finalize = 1
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{
		"speech_tokens": tokTensor,
		"speaker_id":    scalarInt64(s.speaker),
		"finalize":      scalarInt64(finalize),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: run: %w", GraphToken2Wav, err)
	}

	wave, err := output(outputs, GraphToken2Wav, "waveform")
	if err != nil {
		return nil, err
	}

	return ExtractFloat32(wave)
}

func (s *vocoderSession) Close() error { return nil }
