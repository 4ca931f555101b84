// Package onnx runs the omni model bundle on ONNX Runtime. Each graph of the
// bundle is wrapped in a GraphRunner; Engine hands out the omni backend
// implementations that drive them.
package onnx

import (
	"fmt"
	"log/slog"
	"maps"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/omni"
)

type Engine struct {
	runners map[string]GraphRunner
	model   ModelInfo
}

// NewEngine detects ORT, loads the manifest at cfg.Paths.ModelPath and opens
// one runner per required graph.
func NewEngine(cfg config.Config) (*Engine, error) {
	if cfg.Runtime.Threads < 1 {
		return nil, fmt.Errorf("runtime threads must be >= 1")
	}

	info, err := Bootstrap(cfg.Runtime)
	if err != nil {
		return nil, fmt.Errorf("bootstrap onnx runtime: %w", err)
	}

	sm, err := LoadSessionsOnce(cfg.Paths.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	if missing := sm.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("model bundle is missing graphs %v", missing)
	}

	runners := make(map[string]GraphRunner, len(RequiredGraphs))
	for _, name := range RequiredGraphs {
		meta, _ := sm.Session(name)

		r, err := NewRunner(meta, RunnerConfig{LibraryPath: info.LibraryPath})
		if err != nil {
			for _, opened := range runners {
				opened.Close()
			}
			return nil, err
		}
		runners[name] = r
	}

	slog.Info("onnx engine ready",
		"ort_library", info.LibraryPath,
		"ort_version", info.Version,
		"graphs", len(runners),
		"sample_rate", sm.Model().SampleRate,
	)

	return &Engine{runners: runners, model: sm.Model()}, nil
}

// NewEngineWithRunners builds an Engine from externally provided graph runners.
func NewEngineWithRunners(runners map[string]GraphRunner, model ModelInfo) (*Engine, error) {
	if err := model.validate(); err != nil {
		return nil, err
	}

	for _, name := range RequiredGraphs {
		if _, ok := runners[name]; !ok {
			return nil, fmt.Errorf("%s graph not provided", name)
		}
	}

	return &Engine{runners: maps.Clone(runners), model: model}, nil
}

// Backends wires the engine's graphs into the scheduler's collaborators.
func (e *Engine) Backends(tok omni.Tokenizer) omni.Backends {
	return omni.Backends{
		Frontend:  &AudioEncoder{e: e},
		Text:      &TextModel{e: e},
		Talker:    &TalkerModel{e: e},
		Vocoder:   &Token2Wav{e: e},
		Tokenizer: tok,
	}
}

func (e *Engine) Model() ModelInfo {
	return e.model
}

// Close releases every runner.
func (e *Engine) Close() {
	for name, r := range e.runners {
		r.Close()
		delete(e.runners, name)
	}
}

func (e *Engine) runner(name string) (GraphRunner, error) {
	r, ok := e.runners[name]
	if !ok {
		return nil, fmt.Errorf("%s graph not found in manifest", name)
	}
	return r, nil
}

func (e *Engine) speakerID(name string) (int64, error) {
	id, ok := e.model.Speakers[name]
	if !ok {
		return 0, fmt.Errorf("speaker %q not in model bundle", name)
	}
	return id, nil
}
