// Package testutil provides shared skip helpers for integration tests.
//
// Each helper calls Skipf with a clear human-readable reason when the named
// prerequisite is absent, so integration tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireONNXRuntime(t)
//	    manifest := testutil.RequireModelBundle(t)
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// ortCandidates are the system locations searched when no env var is set.
var ortCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks OMNI_ORT_LIB, then ORT_LIBRARY_PATH, then common system
// library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"OMNI_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err != nil {
				tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)
			}
			return
		}
	}

	for _, p := range ortCandidates {
		if _, err := os.Stat(p); err == nil {
			return
		}
	}

	tb.Skipf("ONNX Runtime shared library not found; set OMNI_ORT_LIB or ORT_LIBRARY_PATH")
}

// RequireModelBundle returns the path of the omni model manifest, taken from
// OMNI_MODEL_MANIFEST or models/omni/manifest.json above the working
// directory. It skips the test when neither exists.
func RequireModelBundle(tb testing.TB) string {
	tb.Helper()
	return requireFile(tb, "OMNI_MODEL_MANIFEST", filepath.Join("models", "omni", "manifest.json"), "model bundle")
}

// RequireTokenizerModel returns the SentencePiece model path, taken from
// OMNI_TOKENIZER_MODEL or models/omni/tokenizer.model above the working
// directory.
func RequireTokenizerModel(tb testing.TB) string {
	tb.Helper()
	return requireFile(tb, "OMNI_TOKENIZER_MODEL", filepath.Join("models", "omni", "tokenizer.model"), "tokenizer model")
}

func requireFile(tb testing.TB, env, rel, what string) string {
	tb.Helper()

	if p := os.Getenv(env); p != "" {
		if _, err := os.Stat(p); err != nil {
			tb.Skipf("%s not found at %s=%q", what, env, p)
			return ""
		}
		return p
	}

	if p, ok := FindUp(rel); ok {
		return p
	}

	tb.Skipf("%s not available (%s not found); set %s", what, rel, env)
	return ""
}

// FindUp looks for rel in the working directory and each of its parents.
func FindUp(rel string) (string, bool) {
	dir, err := filepath.Abs(".")
	if err != nil {
		return "", false
	}

	for {
		candidate := filepath.Join(dir, rel)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
