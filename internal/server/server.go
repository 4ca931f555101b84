package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/observe"
	"github.com/example/go-omni/internal/omni"
	"github.com/example/go-omni/internal/statsstore"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Responder runs one speech-in/speech-out request. *omni.Scheduler
// satisfies it.
type Responder interface {
	Respond(ctx context.Context, req omni.Request, text omni.TextSink, wave omni.WaveformSink) (omni.Result, error)
	SampleRate() int
}

// StatsReader serves the /stats endpoint. *statsstore.Store satisfies it.
type StatsReader interface {
	Recent(ctx context.Context, limit int) ([]statsstore.Row, error)
	Summarize(ctx context.Context) ([]statsstore.Summary, error)
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxAudioBytes  int64
	workers        int
	requestTimeout time.Duration
	logger         *slog.Logger
	metrics        *observe.Metrics
	stats          StatsReader
}

func defaultOptions() options {
	return options{
		maxAudioBytes:  16 << 20,
		workers:        2,
		requestTimeout: 120 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxAudioBytes caps the uploaded audio payload.
func WithMaxAudioBytes(n int64) Option {
	return func(o *options) { o.maxAudioBytes = n }
}

// WithWorkers sets the maximum number of requests generating at once.
// Zero disables throttling in the handler.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request generation deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithStats enables GET /stats.
func WithStats(s StatsReader) Option {
	return func(o *options) { o.stats = s }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

type handler struct {
	resp Responder
	opts options
	sem  chan struct{} // semaphore for worker pool
	log  *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /speakers,
// /metrics, /stats, POST /v1/respond and the /v1/respond/ws websocket.
func NewHandler(resp Responder, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	if opts.metrics == nil {
		opts.metrics = observe.DefaultMetrics()
	}

	h := &handler{
		resp: resp,
		opts: opts,
		log:  opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/speakers", h.handleSpeakers)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/v1/respond", h.handleRespond)
	mux.HandleFunc("/v1/respond/ws", h.handleRespondWS)
	mux.Handle("/metrics", promhttp.Handler())
	return observe.Middleware(opts.metrics)(mux)
}

// BuildVersion reports the module version stamped into the binary, or "dev".
func BuildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// Health is the body of GET /health.
type Health struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	SampleRate int      `json:"sample_rate"`
	Speakers   []string `json:"speakers"`
	StatsStore bool     `json:"stats_store"`
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:     "ok",
		Version:    BuildVersion(),
		SampleRate: h.resp.SampleRate(),
		Speakers:   config.SpeakerNames(),
		StatsStore: h.opts.stats != nil,
	})
}

func (h *handler) handleSpeakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.SpeakerNames())
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.opts.stats == nil {
		writeError(w, http.StatusNotFound, "stats store is disabled")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recent, err := h.opts.stats.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary, err := h.opts.stats.Summarize(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recent == nil {
		recent = []statsstore.Row{}
	}
	if summary == nil {
		summary = []statsstore.Summary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"recent": recent, "summary": summary})
}

// acquire takes a worker slot, honouring cancellation while waiting. The
// returned release is a no-op when throttling is disabled.
func (h *handler) acquire(ctx context.Context) (func(), error) {
	if h.sem == nil {
		return func() {}, nil
	}
	select {
	case h.sem <- struct{}{}:
		return func() { <-h.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// statusFor maps a Respond error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, omni.ErrInvalidPrompt), errors.Is(err, omni.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server wires the handler into net/http.Server with graceful shutdown
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	resp            Responder
	opts            []Option
	shutdownTimeout time.Duration
}

// New builds a server for cfg. Extra options are applied after the ones
// derived from cfg.Server.
func New(cfg config.Config, resp Responder, opts ...Option) *Server {
	shutdown := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}
	return &Server{
		cfg:             cfg,
		resp:            resp,
		opts:            opts,
		shutdownTimeout: shutdown,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Handler builds the request handler from the server config.
func (s *Server) Handler() http.Handler {
	handlerOpts := []Option{
		WithWorkers(s.cfg.Server.Workers),
		WithMaxAudioBytes(int64(s.cfg.Server.MaxAudioBytes)),
	}
	if s.cfg.Server.RequestTimeout > 0 {
		handlerOpts = append(handlerOpts, WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second))
	}
	return NewHandler(s.resp, append(handlerOpts, s.opts...)...)
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	if s.resp == nil {
		return errors.New("server: responder is required")
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	slog.Info("http server listening", "addr", s.cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// CheckHealth fetches GET /health from the server at addr and returns the
// decoded report. A non-200 status or a status other than "ok" is an error.
func CheckHealth(ctx context.Context, addr string) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("unexpected health status: %s", resp.Status)
	}

	var hl Health
	if err := json.NewDecoder(resp.Body).Decode(&hl); err != nil {
		return Health{}, fmt.Errorf("decode health: %w", err)
	}
	if hl.Status != "ok" {
		return hl, fmt.Errorf("server reports status %q", hl.Status)
	}
	return hl, nil
}
