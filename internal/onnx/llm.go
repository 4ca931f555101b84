package onnx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/go-omni/internal/omni"
	"github.com/example/go-omni/internal/prompt"
)

var errNotPrefilled = errors.New("text session: step before prefill")

// TextModel drives the thinker graphs:
//
//   - llm_embed: "input_ids" [1, L] -> "inputs_embeds" [1, L, hidden]
//   - llm_prefill: "inputs_embeds" [1, L, hidden] -> "logits", "hidden_states", "present_kv"
//   - llm_step: "inputs_embeds" [1, 1, hidden], "past_kv" -> "logits", "hidden_states", "present_kv"
//
// The KV cache is opaque to Go; it is threaded from one call to the next.
// With ModelInfo.KVSpillBytes set, a float32 cache above that size is kept
// in the session's scratch directory between calls.
type TextModel struct {
	e *Engine
}

const kvSpillFile = "llm_present_kv.bin"

func (m *TextModel) NewSession(_ context.Context, scratch string) (omni.TextSession, error) {
	return &textSession{e: m.e, scratch: scratch}, nil
}

func (m *TextModel) EOSTokens() []omni.Token {
	return append([]omni.Token(nil), m.e.model.TextEOS...)
}

type textSession struct {
	e       *Engine
	scratch string
	kv      *Tensor

	// spillShape is the shape of the cache held in the spill file; nil when
	// nothing is spilled.
	spillShape []int64
}

// Prefill embeds the text segments, splices the conditioning block into the
// audio placeholder and runs the whole prompt in one pass.
func (s *textSession) Prefill(ctx context.Context, seq prompt.Sequence, cond omni.ConditioningBlock) (omni.StepOutput, error) {
	rows := make([][]float32, 0, seq.Len(cond.Frames()))
	for _, seg := range seq.Segments {
		switch seg.Kind {
		case prompt.SegmentAudio:
			if cond.Dim != s.e.model.HiddenSize {
				return omni.StepOutput{}, fmt.Errorf("conditioning width %d, want %d", cond.Dim, s.e.model.HiddenSize)
			}
			rows = append(rows, cond.Embeddings...)
		case prompt.SegmentText:
			embeds, err := s.embed(ctx, seg.Tokens)
			if err != nil {
				return omni.StepOutput{}, err
			}
			rows = append(rows, embeds...)
		}
	}

	inputs, err := StackRows(rows)
	if err != nil {
		return omni.StepOutput{}, fmt.Errorf("%s: %w", GraphLLMPrefill, err)
	}

	return s.run(ctx, GraphLLMPrefill, map[string]*Tensor{"inputs_embeds": inputs})
}

func (s *textSession) Step(ctx context.Context, tok omni.Token) (omni.StepOutput, error) {
	past, err := s.pastKV()
	if err != nil {
		return omni.StepOutput{}, err
	}

	embeds, err := s.embed(ctx, []int64{tok})
	if err != nil {
		return omni.StepOutput{}, err
	}

	inputs, err := StackRows(embeds)
	if err != nil {
		return omni.StepOutput{}, fmt.Errorf("%s: %w", GraphLLMStep, err)
	}

	return s.run(ctx, GraphLLMStep, map[string]*Tensor{
		"inputs_embeds": inputs,
		"past_kv":       past,
	})
}

func (s *textSession) Close() error {
	s.kv = nil
	if s.spillShape == nil {
		return nil
	}
	s.spillShape = nil
	if err := os.Remove(s.spillPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove kv spill: %w", err)
	}
	return nil
}

func (s *textSession) spillPath() string {
	return filepath.Join(s.scratch, kvSpillFile)
}

// keepKV stores the newest cache, spilling it to scratch when it is over the
// model's limit.
func (s *textSession) keepKV(kv *Tensor) error {
	limit := s.e.model.KVSpillBytes
	data, isFloat := kv.data.([]float32)
	if limit == 0 || s.scratch == "" || !isFloat || int64(len(data))*4 <= limit {
		s.kv, s.spillShape = kv, nil
		return nil
	}

	f, err := os.Create(s.spillPath())
	if err != nil {
		return fmt.Errorf("spill kv: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("spill kv: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("spill kv: %w", err)
	}

	s.kv, s.spillShape = nil, kv.Shape()
	return nil
}

func (s *textSession) pastKV() (*Tensor, error) {
	if s.kv != nil {
		return s.kv, nil
	}
	if s.spillShape == nil {
		return nil, errNotPrefilled
	}

	count, err := elementCount(s.spillShape)
	if err != nil {
		return nil, fmt.Errorf("load kv spill: %w", err)
	}
	f, err := os.Open(s.spillPath())
	if err != nil {
		return nil, fmt.Errorf("load kv spill: %w", err)
	}
	defer f.Close()

	data := make([]float32, count)
	if err := binary.Read(f, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("load kv spill: %w", err)
	}
	return NewTensor(data, s.spillShape)
}

func (s *textSession) embed(ctx context.Context, ids []int64) ([][]float32, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	runner, err := s.e.runner(GraphLLMEmbed)
	if err != nil {
		return nil, err
	}

	idsTensor, err := NewTensor(ids, []int64{1, int64(len(ids))})
	if err != nil {
		return nil, fmt.Errorf("%s: input_ids: %w", GraphLLMEmbed, err)
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{"input_ids": idsTensor})
	if err != nil {
		return nil, fmt.Errorf("%s: run: %w", GraphLLMEmbed, err)
	}

	embeds, err := output(outputs, GraphLLMEmbed, "inputs_embeds")
	if err != nil {
		return nil, err
	}

	return Rows(embeds)
}

func (s *textSession) run(ctx context.Context, graph string, inputs map[string]*Tensor) (omni.StepOutput, error) {
	runner, err := s.e.runner(graph)
	if err != nil {
		return omni.StepOutput{}, err
	}

	outputs, err := runner.Run(ctx, inputs)
	if err != nil {
		return omni.StepOutput{}, fmt.Errorf("%s: run: %w", graph, err)
	}

	logits, err := output(outputs, graph, "logits")
	if err != nil {
		return omni.StepOutput{}, err
	}
	hidden, err := output(outputs, graph, "hidden_states")
	if err != nil {
		return omni.StepOutput{}, err
	}
	kv, err := output(outputs, graph, "present_kv")
	if err != nil {
		return omni.StepOutput{}, err
	}

	var out omni.StepOutput
	if out.Logits, err = LastRow(logits); err != nil {
		return omni.StepOutput{}, fmt.Errorf("%s: logits: %w", graph, err)
	}
	if out.Hidden, err = LastRow(hidden); err != nil {
		return omni.StepOutput{}, fmt.Errorf("%s: hidden_states: %w", graph, err)
	}

	if err := s.keepKV(kv); err != nil {
		return omni.StepOutput{}, fmt.Errorf("%s: %w", graph, err)
	}

	return out, nil
}
