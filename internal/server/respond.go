package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/omni"
)

// Trailers sent after the streamed WAV body of POST /v1/respond.
const (
	TrailerOutcome = "X-Omni-Outcome"
	TrailerText    = "X-Omni-Text"
	TrailerStats   = "X-Omni-Stats"
	TrailerError   = "X-Omni-Error"
)

// formOverhead is the room left for multipart boundaries and text fields on
// top of the audio limit.
const formOverhead = 64 << 10

// Stats is the JSON stats document returned in the X-Omni-Stats trailer
// and the websocket "done" message.
type Stats struct {
	omni.Snapshot
	RTF        float64 `json:"rtf"`
	Samples    int     `json:"samples"`
	SampleRate int     `json:"sample_rate"`
	Terminal   bool    `json:"terminal"`
	Cancelled  bool    `json:"cancelled"`
	TextStop   string  `json:"text_stop"`
	SpeechStop string  `json:"speech_stop"`
	DurationMS int64   `json:"duration_ms"`
}

func statsOf(res omni.Result) Stats {
	return Stats{
		Snapshot:   res.Stats,
		RTF:        res.Stats.RTF(),
		Samples:    res.Samples,
		SampleRate: res.SampleRate,
		Terminal:   res.Terminal,
		Cancelled:  res.Cancelled,
		TextStop:   string(res.TextStop),
		SpeechStop: string(res.SpeechStop),
		DurationMS: res.Duration.Milliseconds(),
	}
}

// requestError carries the HTTP status for a rejected request.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

func (h *handler) tooLarge() error {
	return &requestError{
		status: http.StatusRequestEntityTooLarge,
		msg:    fmt.Sprintf("audio exceeds maximum size of %d bytes", h.opts.maxAudioBytes),
	}
}

// readErr maps a MaxBytesReader overflow onto 413.
func (h *handler) readErr(err error, what string) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return h.tooLarge()
	}
	return badRequest("%s: %v", what, err)
}

// parseRespond accepts either a multipart form (file field "audio", text
// fields "instruction"/"question", "options" and repeated "set") or a raw
// WAV body with the same fields as query parameters.
func (h *handler) parseRespond(r *http.Request) (omni.Request, error) {
	var (
		data        []byte
		name        string
		instruction string
		rawOptions  string
		pairs       []string
	)

	q := r.URL.Query()
	pairs = append(pairs, q["set"]...)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.opts.maxAudioBytes); err != nil {
			return omni.Request{}, h.readErr(err, "invalid multipart form")
		}
		f, fh, err := r.FormFile("audio")
		if err != nil {
			return omni.Request{}, badRequest("audio file field is required")
		}
		defer f.Close()

		data, err = io.ReadAll(io.LimitReader(f, h.opts.maxAudioBytes+1))
		if err != nil {
			return omni.Request{}, h.readErr(err, "read audio")
		}
		name = fh.Filename
		instruction = firstNonEmpty(r.FormValue("instruction"), r.FormValue("question"))
		rawOptions = r.FormValue("options")
		pairs = append(pairs, r.MultipartForm.Value["set"]...)
	case "", "audio/wav", "audio/wave", "audio/x-wav", "application/octet-stream":
		var err error
		data, err = io.ReadAll(r.Body)
		if err != nil {
			return omni.Request{}, h.readErr(err, "read body")
		}
		name = q.Get("name")
		instruction = firstNonEmpty(q.Get("instruction"), q.Get("question"))
		rawOptions = q.Get("options")
	default:
		return omni.Request{}, &requestError{
			status: http.StatusUnsupportedMediaType,
			msg:    fmt.Sprintf("unsupported content type %q", mediaType),
		}
	}

	if int64(len(data)) > h.opts.maxAudioBytes {
		return omni.Request{}, h.tooLarge()
	}
	if len(data) == 0 {
		return omni.Request{}, badRequest("audio is required")
	}

	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return omni.Request{}, badRequest("invalid audio: %v", err)
	}

	layers, err := h.optionLayers(rawOptions, pairs)
	if err != nil {
		return omni.Request{}, err
	}

	if name == "" {
		name = "upload.wav"
	}

	return omni.Request{
		AudioRef:    name,
		Clip:        clip,
		Instruction: instruction,
		Options:     layers,
	}, nil
}

// optionLayers parses the client's option overrides. tmp_path is a server
// setting and is dropped from client layers.
func (h *handler) optionLayers(rawOptions string, pairs []string) ([]map[string]any, error) {
	var layers []map[string]any

	if strings.TrimSpace(rawOptions) != "" {
		layer, err := config.ParseOptionsJSON(rawOptions)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		layers = append(layers, layer)
	}
	if len(pairs) > 0 {
		layer, err := config.ParseOptionPairs(pairs)
		if err != nil {
			return nil, badRequest("%v", err)
		}
		layers = append(layers, layer)
	}

	for _, layer := range layers {
		h.dropServerKeys(layer)
	}
	return layers, nil
}

func (h *handler) dropServerKeys(layer map[string]any) {
	if _, ok := layer[config.KeyTmpPath]; ok {
		h.log.Warn("ignoring client tmp_path override")
		delete(layer, config.KeyTmpPath)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// wavStream is the gating waveform sink for POST /v1/respond. The response
// header goes out with the first chunk so request errors raised before any
// audio still get a JSON error status. A failed write (client gone) stops
// generation.
type wavStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	rate    int
	started bool
	failed  bool
	log     *slog.Logger
}

func newWAVStream(w http.ResponseWriter, rate int, log *slog.Logger) *wavStream {
	return &wavStream{w: w, rc: http.NewResponseController(w), rate: rate, log: log}
}

func (s *wavStream) start() error {
	if s.started {
		return nil
	}
	s.started = true

	hdr := s.w.Header()
	hdr.Set("Content-Type", "audio/wav")
	hdr.Set("X-Omni-Sample-Rate", strconv.Itoa(s.rate))
	hdr.Set("Trailer", strings.Join([]string{TrailerOutcome, TrailerText, TrailerStats, TrailerError}, ", "))
	s.w.WriteHeader(http.StatusOK)

	_, err := audio.WriteWAVHeaderStreaming(s.w, s.rate)
	return err
}

func (s *wavStream) OnChunk(samples []float32, _ bool) bool {
	if s.failed {
		return false
	}
	if err := s.start(); err != nil {
		return s.fail(err)
	}
	if len(samples) > 0 {
		if _, err := audio.WritePCM16Samples(s.w, samples); err != nil {
			return s.fail(err)
		}
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return s.fail(err)
	}
	return true
}

func (s *wavStream) fail(err error) bool {
	s.failed = true
	s.log.Warn("waveform stream write failed; stopping generation", "error", err)
	return false
}

func (h *handler) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := h.opts.maxAudioBytes + formOverhead
	if r.ContentLength > limit {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("audio exceeds maximum size of %d bytes", h.opts.maxAudioBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	req, err := h.parseRespond(r)
	if err != nil {
		var re *requestError
		if errors.As(err, &re) {
			writeError(w, re.status, re.msg)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Acquire a worker slot, honouring context cancellation while waiting.
	release, err := h.acquire(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	out := newWAVStream(w, h.resp.SampleRate(), h.log)
	res, err := h.resp.Respond(ctx, req, nil, out)
	outcome := omni.Outcome(err, res.Cancelled)

	logAttrs := []any{
		"audio_ref", req.AudioRef,
		"outcome", outcome,
		"tokens", len(res.Tokens),
		"chunks", res.Chunks,
		"duration", res.Duration,
	}

	if !out.started {
		if err != nil {
			h.log.WarnContext(r.Context(), "respond failed", append(logAttrs, "error", err)...)
			writeError(w, statusFor(err), err.Error())
			return
		}
		if serr := out.start(); serr != nil {
			h.log.WarnContext(r.Context(), "write wav header", "error", serr)
			return
		}
	}

	hdr := w.Header()
	hdr.Set(TrailerOutcome, outcome)
	hdr.Set(TrailerText, strconv.QuoteToASCII(res.Text))
	if b, merr := json.Marshal(statsOf(res)); merr == nil {
		hdr.Set(TrailerStats, string(b))
	}
	if err != nil {
		hdr.Set(TrailerError, strconv.QuoteToASCII(err.Error()))
		h.log.WarnContext(r.Context(), "respond failed mid-stream", append(logAttrs, "error", err)...)
		return
	}

	h.log.InfoContext(r.Context(), "respond complete", logAttrs...)
}
