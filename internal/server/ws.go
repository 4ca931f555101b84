package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/omni"
)

// Websocket protocol for /v1/respond/ws:
//
//	client -> {"type":"start","audio_ref":"q.wav","instruction":"...","options":{...}}
//	client -> binary WAV payload
//	server -> {"type":"ready","sample_rate":24000}
//	server -> {"type":"text",...} per committed text token
//	server -> binary PCM16 little-endian mono frame per waveform chunk
//	client -> {"type":"stop"} at any time stops speech generation
//	server -> {"type":"done",...} then a normal close
//
// Rejected requests get {"type":"error","error":"..."} and a policy close.
const (
	wsTypeStart = "start"
	wsTypeStop  = "stop"
	wsTypeReady = "ready"
	wsTypeText  = "text"
	wsTypeDone  = "done"
	wsTypeError = "error"
)

type wsClientMessage struct {
	Type        string         `json:"type"`
	AudioRef    string         `json:"audio_ref,omitempty"`
	Instruction string         `json:"instruction,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type wsReady struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate"`
}

type wsText struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	ID      int64  `json:"id"`
	Text    string `json:"text"`
	Retract int    `json:"retract,omitempty"`
}

type wsDone struct {
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
	Prompt  string `json:"prompt"`
	Text    string `json:"text"`
	Stats   Stats  `json:"stats"`
	Error   string `json:"error,omitempty"`
}

type wsError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

const wsCloseTimeout = 5 * time.Second

func (h *handler) handleRespondWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.opts.maxAudioBytes + formOverhead)

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	req, err := h.readWSRequest(ctx, conn)
	if err != nil {
		h.rejectWS(ctx, conn, err)
		return
	}

	release, err := h.acquire(ctx)
	if err != nil {
		_ = h.sendWS(ctx, conn, wsError{Type: wsTypeError, Error: "request cancelled while waiting for worker"})
		conn.Close(websocket.StatusTryAgainLater, "busy")
		return
	}
	defer release()

	if err := h.sendWS(ctx, conn, wsReady{Type: wsTypeReady, SampleRate: h.resp.SampleRate()}); err != nil {
		return
	}

	// The only client message expected from here on is "stop". A read error
	// means the client went away.
	var stopped atomic.Bool
	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				cancel()
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var msg wsClientMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == wsTypeStop {
				stopped.Store(true)
			}
		}
	}()

	text := omni.TextSinkFunc(func(tok omni.TextToken) {
		_ = h.sendWS(ctx, conn, wsText{Type: wsTypeText, Index: tok.Index, ID: tok.ID, Text: tok.Text, Retract: tok.Retract})
	})
	wave := omni.WaveformSinkFunc(func(samples []float32, _ bool) bool {
		if stopped.Load() {
			return false
		}
		if len(samples) > 0 {
			if err := conn.Write(ctx, websocket.MessageBinary, audio.PCM16Bytes(samples)); err != nil {
				return false
			}
		}
		return !stopped.Load()
	})

	res, err := h.resp.Respond(ctx, req, text, wave)
	done := wsDone{
		Type:    wsTypeDone,
		Outcome: omni.Outcome(err, res.Cancelled),
		Prompt:  res.Prompt.Render(),
		Text:    res.Text,
		Stats:   statsOf(res),
	}
	if err != nil {
		done.Error = err.Error()
	}

	// The request context may already be done; the final message still goes
	// out on a short detached deadline.
	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), wsCloseTimeout)
	defer closeCancel()
	if err := h.sendWS(closeCtx, conn, done); err != nil {
		return
	}

	h.log.InfoContext(r.Context(), "websocket respond complete",
		"audio_ref", req.AudioRef,
		"outcome", done.Outcome,
		"chunks", res.Chunks,
		"duration", res.Duration,
	)
	conn.Close(websocket.StatusNormalClosure, done.Outcome)
}

func (h *handler) readWSRequest(ctx context.Context, conn *websocket.Conn) (omni.Request, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return omni.Request{}, fmt.Errorf("read start message: %w", err)
	}
	if typ != websocket.MessageText {
		return omni.Request{}, badRequest("first message must be a JSON start message")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var start wsClientMessage
	if err := dec.Decode(&start); err != nil {
		return omni.Request{}, badRequest("invalid start message: %v", err)
	}
	if start.Type != wsTypeStart {
		return omni.Request{}, badRequest("expected %q message, got %q", wsTypeStart, start.Type)
	}

	typ, data, err = conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.StatusMessageTooBig {
			return omni.Request{}, h.tooLarge()
		}
		return omni.Request{}, fmt.Errorf("read audio message: %w", err)
	}
	if typ != websocket.MessageBinary {
		return omni.Request{}, badRequest("expected binary WAV message")
	}
	if int64(len(data)) > h.opts.maxAudioBytes {
		return omni.Request{}, h.tooLarge()
	}

	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return omni.Request{}, badRequest("invalid audio: %v", err)
	}

	var layers []map[string]any
	if len(start.Options) > 0 {
		h.dropServerKeys(start.Options)
		layers = append(layers, start.Options)
	}

	ref := start.AudioRef
	if ref == "" {
		ref = "stream.wav"
	}

	return omni.Request{
		AudioRef:    ref,
		Clip:        clip,
		Instruction: start.Instruction,
		Options:     layers,
	}, nil
}

func (h *handler) rejectWS(ctx context.Context, conn *websocket.Conn, err error) {
	var re *requestError
	if !errors.As(err, &re) {
		h.log.WarnContext(ctx, "websocket request read failed", "error", err)
		return
	}
	_ = h.sendWS(ctx, conn, wsError{Type: wsTypeError, Error: re.msg})

	code := websocket.StatusPolicyViolation
	if re.status == http.StatusRequestEntityTooLarge {
		code = websocket.StatusMessageTooBig
	}
	conn.Close(code, "request rejected")
}

func (h *handler) sendWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.log.DebugContext(ctx, "websocket write failed", "error", err)
		return err
	}
	return nil
}
