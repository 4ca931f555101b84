package statsstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/omni"
	"github.com/example/go-omni/internal/prompt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T) *Store {
	t.Helper()

	cfg := config.StatsConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "data", "stats.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open stats store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenDisabled(t *testing.T) {
	s, err := Open(context.Background(), config.StatsConfig{}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if s.Enabled() {
		t.Fatal("disabled store reports Enabled")
	}

	if id, err := s.Insert(context.Background(), Row{Outcome: "ok"}); err != nil || id != 0 {
		t.Fatalf("Insert on disabled store = %d, %v", id, err)
	}

	rows, err := s.Recent(context.Background(), 10)
	if err != nil || rows != nil {
		t.Fatalf("Recent on disabled store = %v, %v", rows, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), config.StatsConfig{Enabled: true}, newLogger()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestInsertAndRecent(t *testing.T) {
	s := openTemp(t)
	s.clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	for i, outcome := range []string{"ok", "cancelled", "decode_failure"} {
		_, err := s.Insert(ctx, Row{
			AudioRef:               "clip.wav",
			Speaker:                config.SpeakerChelsie,
			Outcome:                outcome,
			GeneratedTokens:        10 * (i + 1),
			AudioInputSeconds:      2,
			AudioProcessingSeconds: 1,
			Duration:               1500 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("insert %s: %v", outcome, err)
		}
	}

	rows, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	if rows[0].Outcome != "decode_failure" || rows[1].Outcome != "cancelled" {
		t.Fatalf("rows not newest first: %s, %s", rows[0].Outcome, rows[1].Outcome)
	}

	if !rows[0].CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("CreatedAt = %v", rows[0].CreatedAt)
	}

	if rows[0].Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v; want 1.5s", rows[0].Duration)
	}

	if rows[0].RTF() != 0.5 {
		t.Errorf("RTF = %v; want 0.5", rows[0].RTF())
	}
}

func TestSummarize(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	rows := []Row{
		{Outcome: "ok", GeneratedTokens: 10, AudioInputSeconds: 2, AudioProcessingSeconds: 1},
		{Outcome: "ok", GeneratedTokens: 30, AudioInputSeconds: 2, AudioProcessingSeconds: 3},
		{Outcome: "invalid_prompt"},
	}
	for _, r := range rows {
		if _, err := s.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	sums, err := s.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	if len(sums) != 2 {
		t.Fatalf("expected 2 outcome groups, got %+v", sums)
	}

	ok := sums[1]
	if ok.Outcome != "ok" || ok.Responses != 2 || ok.AvgRTF != 1 || ok.AvgTokens != 20 {
		t.Errorf("ok summary = %+v", ok)
	}

	if sums[0].Outcome != "invalid_prompt" || sums[0].AvgRTF != 0 {
		t.Errorf("invalid_prompt summary = %+v", sums[0])
	}
}

func TestRecordSatisfiesRecorder(t *testing.T) {
	s := openTemp(t)
	var rec omni.Recorder = s

	opts := config.DefaultOptions()
	opts.TalkerSpeaker = config.SpeakerEthan
	opts.Async = true

	res := omni.Result{
		Prompt:       prompt.Prompt{AudioRef: "q.wav", Instruction: "What is said?"},
		Options:      opts,
		SpeechTokens: 120,
		Chunks:       3,
		Stats: omni.Snapshot{
			PromptTokens:          80,
			GeneratedTokens:       40,
			AudioInputSeconds:     5,
			AudioProcessingMicros: 2_500_000,
		},
		Duration: 3 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Record(ctx, omni.Request{AudioRef: "q.wav"}, res, &omni.SynthesisError{Stage: "vocoder", Err: errors.New("boom")})

	rows, err := s.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}

	if len(rows) != 1 {
		t.Fatalf("expected 1 recorded row, got %d", len(rows))
	}

	r := rows[0]
	if r.Outcome != "synthesis_failure" || r.Error == "" {
		t.Errorf("outcome = %q, error = %q", r.Outcome, r.Error)
	}

	if r.Speaker != config.SpeakerEthan || !r.Async || r.Instruction != "What is said?" {
		t.Errorf("row options = %+v", r)
	}

	if r.PromptTokens != 80 || r.GeneratedTokens != 40 || r.SpeechTokens != 120 || r.Chunks != 3 {
		t.Errorf("row counters = %+v", r)
	}

	if r.RTF() != 0.5 {
		t.Errorf("RTF = %v; want 0.5", r.RTF())
	}
}
