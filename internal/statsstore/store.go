// Package statsstore keeps a sqlite history of finished responses: outcome,
// token counts, audio timing and real-time factor.
package statsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/observe"
	"github.com/example/go-omni/internal/omni"
)

// Row is one recorded response.
type Row struct {
	ID                     int64         `json:"id"`
	CreatedAt              time.Time     `json:"created_at"`
	TraceID                string        `json:"trace_id,omitempty"`
	AudioRef               string        `json:"audio_ref"`
	Instruction            string        `json:"instruction"`
	Speaker                string        `json:"speaker"`
	Async                  bool          `json:"async"`
	Outcome                string        `json:"outcome"`
	Error                  string        `json:"error,omitempty"`
	PromptTokens           int           `json:"prompt_tokens"`
	GeneratedTokens        int           `json:"generated_tokens"`
	SpeechTokens           int           `json:"speech_tokens"`
	Chunks                 int           `json:"chunks"`
	AudioInputSeconds      float64       `json:"audio_input_s"`
	AudioProcessingSeconds float64       `json:"audio_processing_s"`
	Duration               time.Duration `json:"duration_ns"`
}

// RTF is processing time over input duration, or 0 when there was no input.
func (r Row) RTF() float64 {
	if r.AudioInputSeconds <= 0 {
		return 0
	}
	return r.AudioProcessingSeconds / r.AudioInputSeconds
}

// Summary aggregates rows sharing an outcome.
type Summary struct {
	Outcome   string  `json:"outcome"`
	Responses int     `json:"responses"`
	AvgRTF    float64 `json:"avg_rtf"`
	AvgTokens float64 `json:"avg_tokens"`
}

// Store wraps the sqlite database. A Store opened with stats disabled
// accepts writes and drops them.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StatsConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	if !cfg.Enabled {
		return &Store{log: log, clock: time.Now}, nil
	}

	if cfg.Path == "" {
		return nil, errors.New("stats path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create stats dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init stats schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS responses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TEXT NOT NULL,
    trace_id TEXT,
    audio_ref TEXT,
    instruction TEXT,
    speaker TEXT,
    async INTEGER NOT NULL DEFAULT 0,
    outcome TEXT NOT NULL,
    error TEXT,
    prompt_tokens INTEGER NOT NULL DEFAULT 0,
    generated_tokens INTEGER NOT NULL DEFAULT 0,
    speech_tokens INTEGER NOT NULL DEFAULT 0,
    chunks INTEGER NOT NULL DEFAULT 0,
    audio_input_s REAL NOT NULL DEFAULT 0,
    audio_processing_s REAL NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_responses_created ON responses(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether rows are persisted.
func (s *Store) Enabled() bool { return s.db != nil }

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert writes a row and returns its ID.
func (s *Store) Insert(ctx context.Context, r Row) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO responses(created_at, trace_id, audio_ref, instruction, speaker, async, outcome, error,
		    prompt_tokens, generated_tokens, speech_tokens, chunks, audio_input_s, audio_processing_s, duration_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.TraceID, r.AudioRef, r.Instruction, r.Speaker, r.Async,
		r.Outcome, r.Error, r.PromptTokens, r.GeneratedTokens, r.SpeechTokens, r.Chunks,
		r.AudioInputSeconds, r.AudioProcessingSeconds, r.Duration.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("insert response: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit rows, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, trace_id, audio_ref, instruction, speaker, async, outcome, error,
		    prompt_tokens, generated_tokens, speech_tokens, chunks, audio_input_s, audio_processing_s, duration_ms
		 FROM responses ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r          Row
			created    string
			durationMs int64
		)
		if err := rows.Scan(&r.ID, &created, &r.TraceID, &r.AudioRef, &r.Instruction, &r.Speaker, &r.Async,
			&r.Outcome, &r.Error, &r.PromptTokens, &r.GeneratedTokens, &r.SpeechTokens, &r.Chunks,
			&r.AudioInputSeconds, &r.AudioProcessingSeconds, &durationMs); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summarize groups all rows by outcome.
func (s *Store) Summarize(ctx context.Context) ([]Summary, error) {
	if s.db == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*),
		    COALESCE(AVG(CASE WHEN audio_input_s > 0 THEN audio_processing_s / audio_input_s END), 0),
		    COALESCE(AVG(generated_tokens), 0)
		 FROM responses GROUP BY outcome ORDER BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("summarize responses: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Outcome, &sum.Responses, &sum.AvgRTF, &sum.AvgTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Record stores a finished response. It satisfies omni.Recorder; write
// failures are logged, never returned.
func (s *Store) Record(ctx context.Context, req omni.Request, res omni.Result, err error) {
	if s.db == nil {
		return
	}

	row := Row{
		TraceID:                observe.CorrelationID(ctx),
		AudioRef:               req.AudioRef,
		Instruction:            res.Prompt.Instruction,
		Speaker:                res.Options.TalkerSpeaker,
		Async:                  res.Options.Async,
		Outcome:                omni.Outcome(err, res.Cancelled),
		PromptTokens:           res.Stats.PromptTokens,
		GeneratedTokens:        res.Stats.GeneratedTokens,
		SpeechTokens:           res.SpeechTokens,
		Chunks:                 res.Chunks,
		AudioInputSeconds:      res.Stats.AudioInputSeconds,
		AudioProcessingSeconds: res.Stats.AudioProcessingSeconds(),
		Duration:               res.Duration,
	}
	if err != nil {
		row.Error = err.Error()
	}

	if _, ierr := s.Insert(context.WithoutCancel(ctx), row); ierr != nil {
		s.log.Warn("record response stats", "error", ierr, "outcome", row.Outcome)
	}
}
