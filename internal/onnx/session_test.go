package onnx

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

const testModelJSON = `"model": {
    "hidden_size": 4,
    "text_eos": [151645, 151643],
    "talker_bos": 8293,
    "talker_eos": 8294,
    "sample_rate": 24000,
    "speakers": {"Chelsie": 0, "Ethan": 1}
  }`

func resetSessionOnceForTest() {
	sessionMgrOnce = sync.Once{}
	sessionMgr = nil
	errSessionMgr = nil
}

func writeBundle(t *testing.T, dir, manifest string, files ...string) string {
	t.Helper()

	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("fake"), 0o644); err != nil {
			t.Fatalf("write fake onnx file: %v", err)
		}
	}

	manifestPath := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	return manifestPath
}

func TestNewSessionManagerLoadsManifest(t *testing.T) {
	tmp := t.TempDir()

	manifest := `{
  ` + testModelJSON + `,
  "graphs": [
    {
      "name": "audio_encoder",
      "filename": "audio_encoder.onnx",
      "inputs": [{"name":"waveform","dtype":"float","shape":[1,"samples"]}],
      "outputs": [{"name":"audio_embeds","dtype":"float","shape":[1,"frames",4]}]
    },
    {
      "name": "llm_step",
      "filename": "llm_step.onnx",
      "inputs": [{"name":"inputs_embeds","dtype":"float","shape":[1,1,4]}],
      "outputs": [{"name":"logits","dtype":"float","shape":[1,1,151936]}]
    }
  ]
}`

	sm, err := NewSessionManager(writeBundle(t, tmp, manifest, "audio_encoder.onnx", "llm_step.onnx"))
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	all := sm.Sessions()
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	s, ok := sm.Session(GraphAudioEncoder)
	if !ok {
		t.Fatal("expected audio_encoder session")
	}

	if s.Path != filepath.Join(tmp, "audio_encoder.onnx") {
		t.Fatalf("unexpected session path: %s", s.Path)
	}

	if len(s.Inputs) != 1 || s.Inputs[0].Name != "waveform" {
		t.Fatalf("unexpected inputs: %+v", s.Inputs)
	}

	model := sm.Model()
	if model.HiddenSize != 4 || model.SampleRate != 24000 || model.Speakers["Ethan"] != 1 {
		t.Fatalf("unexpected model info: %+v", model)
	}

	if !reflect.DeepEqual(model.TextEOS, []int64{151645, 151643}) {
		t.Fatalf("unexpected text_eos: %v", model.TextEOS)
	}

	model.Speakers["Ethan"] = 9
	if sm.Model().Speakers["Ethan"] != 1 {
		t.Fatal("Model() exposes the manager's speaker map")
	}

	missing := sm.Missing()
	if len(missing) != len(RequiredGraphs)-2 || missing[0] != GraphLLMEmbed {
		t.Fatalf("unexpected missing graphs: %v", missing)
	}
}

func TestNewSessionManagerRejectsMissingFile(t *testing.T) {
	manifest := `{` + testModelJSON + `,
  "graphs": [
    {"name": "missing", "filename": "missing.onnx", "inputs": [], "outputs": []}
  ]
}`

	_, err := NewSessionManager(writeBundle(t, t.TempDir(), manifest))
	if err == nil {
		t.Fatal("expected error for missing onnx file")
	}
}

func TestNewSessionManagerRejectsBadModel(t *testing.T) {
	tests := []struct {
		name  string
		model string
		want  string
	}{
		{"no model", `"model": {}`, "hidden_size"},
		{"no eos", `"model": {"hidden_size": 4, "sample_rate": 24000, "speakers": {"Chelsie": 0}}`, "text_eos"},
		{"no speakers", `"model": {"hidden_size": 4, "text_eos": [1], "sample_rate": 24000}`, "speakers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifest := `{` + tt.model + `, "graphs": [{"name": "a", "filename": "a.onnx"}]}`

			_, err := NewSessionManager(writeBundle(t, t.TempDir(), manifest, "a.onnx"))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v; want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNewSessionManagerRejectsDuplicates(t *testing.T) {
	manifest := `{` + testModelJSON + `, "graphs": [
    {"name": "a", "filename": "a.onnx"},
    {"name": "a", "filename": "a.onnx"}
  ]}`

	_, err := NewSessionManager(writeBundle(t, t.TempDir(), manifest, "a.onnx"))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("err = %v; want duplicate session error", err)
	}
}

func TestLoadSessionsOnceKeepsFirstManifest(t *testing.T) {
	resetSessionOnceForTest()
	t.Cleanup(resetSessionOnceForTest)

	first := writeBundle(t, t.TempDir(), `{`+testModelJSON+`, "graphs":[{"name":"a","filename":"a.onnx"}]}`, "a.onnx")
	second := writeBundle(t, t.TempDir(), `{`+testModelJSON+`, "graphs":[{"name":"b","filename":"b.onnx"}]}`, "b.onnx")

	one, err := LoadSessionsOnce(first)
	if err != nil {
		t.Fatalf("load first once: %v", err)
	}

	two, err := LoadSessionsOnce(second)
	if err != nil {
		t.Fatalf("load second once: %v", err)
	}

	if one != two {
		t.Fatal("expected same session manager pointer from once loader")
	}

	if _, ok := two.Session("a"); !ok {
		t.Fatal("expected to keep first loaded session set")
	}

	if _, ok := two.Session("b"); ok {
		t.Fatal("did not expect second manifest to replace first in once loader")
	}
}
