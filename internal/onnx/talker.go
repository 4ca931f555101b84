package onnx

import (
	"context"
	"fmt"

	"github.com/example/go-omni/internal/omni"
)

// TalkerModel drives the speech token graphs:
//
//   - talker_prefill: "speaker_id" [1] -> "present_kv"
//   - talker_step: "prev_token" [1, 1], "text_hidden" [1, 1, hidden], "pad" [1], "past_kv"
//     -> "logits" [1, 1, speech_vocab], "present_kv"
//
// A pad step feeds zeros as text_hidden with pad=1; the graph substitutes
// its learned pad embedding.
type TalkerModel struct {
	e *Engine
}

func (m *TalkerModel) NewSession(ctx context.Context, speaker string) (omni.TalkerSession, error) {
	id, err := m.e.speakerID(speaker)
	if err != nil {
		return nil, err
	}

	runner, err := m.e.runner(GraphTalkerPrefill)
	if err != nil {
		return nil, err
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{"speaker_id": scalarInt64(id)})
	if err != nil {
		return nil, fmt.Errorf("%s: run: %w", GraphTalkerPrefill, err)
	}

	kv, err := output(outputs, GraphTalkerPrefill, "present_kv")
	if err != nil {
		return nil, err
	}

	return &talkerSession{e: m.e, kv: kv}, nil
}

func (m *TalkerModel) EOSToken() omni.Token { return m.e.model.TalkerEOS }

func (m *TalkerModel) BOSToken() omni.Token { return m.e.model.TalkerBOS }

type talkerSession struct {
	e  *Engine
	kv *Tensor
}

func (s *talkerSession) Step(ctx context.Context, in omni.TalkerInput) ([]float32, error) {
	runner, err := s.e.runner(GraphTalkerStep)
	if err != nil {
		return nil, err
	}

	hiddenSize := s.e.model.HiddenSize
	hidden := make([]float32, hiddenSize)
	pad := int64(0)
	if in.Pad {
		pad = 1
	} else {
		if len(in.Cond.Hidden) != hiddenSize {
			return nil, fmt.Errorf("%s: trace entry %d width %d, want %d", GraphTalkerStep, in.Pos, len(in.Cond.Hidden), hiddenSize)
		}
		copy(hidden, in.Cond.Hidden)
	}

	hiddenTensor, err := NewTensor(hidden, []int64{1, 1, int64(hiddenSize)})
	if err != nil {
		return nil, fmt.Errorf("%s: text_hidden: %w", GraphTalkerStep, err)
	}
	prevTensor, err := NewTensor([]int64{in.Prev}, []int64{1, 1})
	if err != nil {
		return nil, fmt.Errorf("%s: prev_token: %w", GraphTalkerStep, err)
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{
		"prev_token":  prevTensor,
		"text_hidden": hiddenTensor,
		"pad":         scalarInt64(pad),
		"past_kv":     s.kv,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: run: %w", GraphTalkerStep, err)
	}

	logits, err := output(outputs, GraphTalkerStep, "logits")
	if err != nil {
		return nil, err
	}
	kv, err := output(outputs, GraphTalkerStep, "present_kv")
	if err != nil {
		return nil, err
	}

	row, err := LastRow(logits)
	if err != nil {
		return nil, fmt.Errorf("%s: logits: %w", GraphTalkerStep, err)
	}

	s.kv = kv

	return row, nil
}

func (s *talkerSession) Close() error {
	s.kv = nil
	return nil
}
