package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Graph names expected in a model bundle manifest.
const (
	GraphAudioEncoder  = "audio_encoder"
	GraphLLMEmbed      = "llm_embed"
	GraphLLMPrefill    = "llm_prefill"
	GraphLLMStep       = "llm_step"
	GraphTalkerPrefill = "talker_prefill"
	GraphTalkerStep    = "talker_step"
	GraphToken2Wav     = "token2wav"
)

// RequiredGraphs lists every graph the engine runs.
var RequiredGraphs = []string{
	GraphAudioEncoder,
	GraphLLMEmbed,
	GraphLLMPrefill,
	GraphLLMStep,
	GraphTalkerPrefill,
	GraphTalkerStep,
	GraphToken2Wav,
}

type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

type Session struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// ModelInfo carries the vocabulary constants that are not recoverable from
// graph signatures.
type ModelInfo struct {
	HiddenSize int     `json:"hidden_size"`
	TextEOS    []int64 `json:"text_eos"`
	TalkerBOS  int64   `json:"talker_bos"`
	TalkerEOS  int64   `json:"talker_eos"`
	SampleRate int     `json:"sample_rate"`
	// Speakers maps canonical speaker names to talker/vocoder speaker IDs.
	Speakers map[string]int64 `json:"speakers"`
	// KVSpillBytes moves a thinker KV cache larger than this many bytes to
	// the request's scratch directory between steps. 0 keeps it in memory.
	KVSpillBytes int64 `json:"kv_spill_bytes,omitempty"`
}

func (m ModelInfo) validate() error {
	switch {
	case m.HiddenSize < 1:
		return errors.New("model hidden_size must be >= 1")
	case len(m.TextEOS) == 0:
		return errors.New("model text_eos is empty")
	case m.SampleRate < 1:
		return errors.New("model sample_rate must be >= 1")
	case len(m.Speakers) == 0:
		return errors.New("model speakers is empty")
	case m.KVSpillBytes < 0:
		return errors.New("model kv_spill_bytes must be >= 0")
	}
	return nil
}

type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]Session
	order    []string
	model    ModelInfo
}

var (
	sessionMgrOnce sync.Once
	sessionMgr     *SessionManager
	errSessionMgr  error
)

type onnxManifest struct {
	Model  ModelInfo   `json:"model"`
	Graphs []onnxGraph `json:"graphs"`
}

type onnxGraph struct {
	Name     string     `json:"name"`
	Filename string     `json:"filename"`
	Inputs   []NodeInfo `json:"inputs"`
	Outputs  []NodeInfo `json:"outputs"`
}

func NewSessionManager(manifestPath string) (*SessionManager, error) {
	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read ONNX manifest: %w", err)
	}

	var manifest onnxManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode ONNX manifest: %w", err)
	}

	if len(manifest.Graphs) == 0 {
		return nil, errors.New("ONNX manifest has no graphs")
	}

	if err := manifest.Model.validate(); err != nil {
		return nil, fmt.Errorf("ONNX manifest: %w", err)
	}

	baseDir := filepath.Dir(manifestPath)
	sm := &SessionManager{
		sessions: make(map[string]Session, len(manifest.Graphs)),
		order:    make([]string, 0, len(manifest.Graphs)),
		model:    manifest.Model,
	}

	for _, g := range manifest.Graphs {
		if g.Name == "" {
			return nil, errors.New("manifest graph has empty name")
		}

		if g.Filename == "" {
			return nil, fmt.Errorf("manifest graph %q has empty filename", g.Name)
		}

		if _, exists := sm.sessions[g.Name]; exists {
			return nil, fmt.Errorf("duplicate session name %q in manifest", g.Name)
		}

		sessionPath := g.Filename
		if !filepath.IsAbs(sessionPath) {
			sessionPath = filepath.Join(baseDir, g.Filename)
		}

		sessionPath = filepath.Clean(sessionPath)
		if _, err := os.Stat(sessionPath); err != nil {
			return nil, fmt.Errorf("session file for %q: %w", g.Name, err)
		}

		sm.sessions[g.Name] = Session{
			Name:    g.Name,
			Path:    sessionPath,
			Inputs:  append([]NodeInfo(nil), g.Inputs...),
			Outputs: append([]NodeInfo(nil), g.Outputs...),
		}
		sm.order = append(sm.order, g.Name)

		slog.Debug(
			"loaded ONNX session",
			"name", g.Name,
			"path", sessionPath,
			"inputs", nodeNames(g.Inputs),
			"outputs", nodeNames(g.Outputs),
		)
	}

	return sm, nil
}

// LoadSessionsOnce loads the ONNX manifest exactly once per process.
// Restart the process to pick up a new bundle.
func LoadSessionsOnce(manifestPath string) (*SessionManager, error) {
	sessionMgrOnce.Do(func() {
		sessionMgr, errSessionMgr = NewSessionManager(manifestPath)
	})

	if errSessionMgr != nil {
		return nil, errSessionMgr
	}

	return sessionMgr, nil
}

func (m *SessionManager) Session(name string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[name]

	return s, ok
}

func (m *SessionManager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.order))
	for _, name := range m.order {
		s := m.sessions[name]
		s.Inputs = append([]NodeInfo(nil), s.Inputs...)
		s.Outputs = append([]NodeInfo(nil), s.Outputs...)
		out = append(out, s)
	}

	return out
}

// Model returns the bundle's vocabulary constants.
func (m *SessionManager) Model() ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := m.model
	info.TextEOS = append([]int64(nil), m.model.TextEOS...)
	info.Speakers = maps.Clone(m.model.Speakers)

	return info
}

// Missing returns the required graphs absent from the manifest.
func (m *SessionManager) Missing() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var missing []string
	for _, name := range RequiredGraphs {
		if _, ok := m.sessions[name]; !ok {
			missing = append(missing, name)
		}
	}

	return missing
}

func nodeNames(nodes []NodeInfo) string {
	if len(nodes) == 0 {
		return ""
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}

	return strings.Join(names, ",")
}
