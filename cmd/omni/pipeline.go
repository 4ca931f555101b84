package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/omni"
	"github.com/example/go-omni/internal/onnx"
	"github.com/example/go-omni/internal/statsstore"
	"github.com/example/go-omni/internal/tokenizer"
)

// responder is the part of *omni.Scheduler the commands drive.
type responder interface {
	Respond(ctx context.Context, req omni.Request, text omni.TextSink, wave omni.WaveformSink) (omni.Result, error)
	SampleRate() int
}

// pipeline is a scheduler over the ONNX engine plus the stats store that
// records its responses.
type pipeline struct {
	sched  *omni.Scheduler
	stats  *statsstore.Store
	engine *onnx.Engine
}

func openPipeline(ctx context.Context, cfg config.Config) (*pipeline, error) {
	tok, err := tokenizer.NewSentencePieceTokenizer(cfg.Paths.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	engine, err := onnx.NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	store, err := statsstore.Open(ctx, cfg.Stats, slog.Default())
	if err != nil {
		engine.Close()
		return nil, err
	}

	sched, err := omni.NewScheduler(engine.Backends(tok),
		omni.WithBaseOptions(cfg.BaseOptions()),
		omni.WithExecutor(omni.NewExecutor(cfg.Runtime.MaxSessions)),
		omni.WithRecorder(store),
	)
	if err != nil {
		_ = store.Close()
		engine.Close()
		return nil, err
	}

	return &pipeline{sched: sched, stats: store, engine: engine}, nil
}

func (p *pipeline) Close() {
	if err := p.stats.Close(); err != nil {
		slog.Warn("close stats store", "error", err)
	}
	p.engine.Close()
}
