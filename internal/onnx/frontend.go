package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/omni"
)

// AudioEncoder runs the audio_encoder graph. The graph takes 16 kHz mono
// samples [1, N] as "waveform" and returns "audio_embeds" [1, T, hidden].
type AudioEncoder struct {
	e *Engine
}

func (a *AudioEncoder) Encode(ctx context.Context, clip audio.Clip) (omni.ConditioningBlock, error) {
	if clip.Empty() {
		return omni.ConditioningBlock{}, audio.ErrEmptyAudio
	}

	runner, err := a.e.runner(GraphAudioEncoder)
	if err != nil {
		return omni.ConditioningBlock{}, err
	}

	in := audio.Resample(clip, audio.InputSampleRate)
	waveform, err := NewTensor(in.Samples, []int64{1, int64(len(in.Samples))})
	if err != nil {
		return omni.ConditioningBlock{}, fmt.Errorf("%s: waveform: %w", GraphAudioEncoder, err)
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{"waveform": waveform})
	if err != nil {
		return omni.ConditioningBlock{}, fmt.Errorf("%s: run: %w", GraphAudioEncoder, err)
	}

	embeds, err := output(outputs, GraphAudioEncoder, "audio_embeds")
	if err != nil {
		return omni.ConditioningBlock{}, err
	}

	rows, err := Rows(embeds)
	if err != nil {
		return omni.ConditioningBlock{}, fmt.Errorf("%s: %w", GraphAudioEncoder, err)
	}

	if len(rows) == 0 {
		return omni.ConditioningBlock{}, errors.New("audio_encoder: produced no frames")
	}

	if dim := len(rows[0]); dim != a.e.model.HiddenSize {
		return omni.ConditioningBlock{}, fmt.Errorf("%s: embedding width %d, want %d", GraphAudioEncoder, dim, a.e.model.HiddenSize)
	}

	return omni.ConditioningBlock{
		Embeddings: rows,
		Dim:        a.e.model.HiddenSize,
		Duration:   clip.Duration(),
	}, nil
}
