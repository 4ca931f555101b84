package testutil_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/testutil"
)

func TestRequireONNXRuntime_SkipsWhenAbsent(t *testing.T) {
	t.Setenv("OMNI_ORT_LIB", "/nonexistent/libonnxruntime.so")

	tracker := &skipTracker{TB: t}
	testutil.RequireONNXRuntime(tracker)
	if !tracker.skipped {
		t.Error("expected RequireONNXRuntime to skip when library is absent")
	}
}

func TestRequireONNXRuntime_AcceptsEnvPath(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "libonnxruntime.so")
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("OMNI_ORT_LIB", lib)

	tracker := &skipTracker{TB: t}
	testutil.RequireONNXRuntime(tracker)
	if tracker.skipped {
		t.Error("RequireONNXRuntime skipped with a valid OMNI_ORT_LIB")
	}
}

func TestRequireModelBundle_UsesEnv(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(manifest, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("OMNI_MODEL_MANIFEST", manifest)

	tracker := &skipTracker{TB: t}
	if got := testutil.RequireModelBundle(tracker); got != manifest || tracker.skipped {
		t.Errorf("RequireModelBundle = %q (skipped=%v); want %q", got, tracker.skipped, manifest)
	}
}

func TestRequireTokenizerModel_SkipsWhenAbsent(t *testing.T) {
	t.Setenv("OMNI_TOKENIZER_MODEL", "/nonexistent/tokenizer.model")

	tracker := &skipTracker{TB: t}
	if got := testutil.RequireTokenizerModel(tracker); got != "" || !tracker.skipped {
		t.Errorf("RequireTokenizerModel = %q (skipped=%v); want skip", got, tracker.skipped)
	}
}

func TestFindUp(t *testing.T) {
	if _, ok := testutil.FindUp("go.mod"); !ok {
		t.Error("FindUp(go.mod) did not reach the module root")
	}

	if _, ok := testutil.FindUp(filepath.Join("no", "such", "file")); ok {
		t.Error("FindUp found a path that does not exist")
	}
}

func TestAssertValidWAV_StreamingHeader(t *testing.T) {
	var buf bytes.Buffer
	if _, err := audio.WriteWAVHeaderStreaming(&buf, 24000); err != nil {
		t.Fatalf("WriteWAVHeaderStreaming: %v", err)
	}
	if _, err := audio.WritePCM16Samples(&buf, []float32{0.1, -0.1, 0.2}); err != nil {
		t.Fatalf("WritePCM16Samples: %v", err)
	}

	if n := testutil.AssertValidWAV(t, buf.Bytes(), 24000); n != 3 {
		t.Errorf("samples = %d; want 3", n)
	}
}

func TestAssertValidWAV_FinalizedFile(t *testing.T) {
	data, err := audio.EncodeWAV([]float32{0.5, -0.5}, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}

	if n := testutil.AssertValidWAV(t, data, 16000); n != 2 {
		t.Errorf("samples = %d; want 2", n)
	}
}

// skipTracker is a minimal testing.TB implementation that intercepts Skipf.
type skipTracker struct {
	testing.TB
	skipped bool
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	s.skipped = true
	// Do NOT call s.TB.Skipf; that would skip the outer test.
}
