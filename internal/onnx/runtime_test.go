package onnx

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/example/go-omni/internal/config"
)

func resetRuntimeStateForTest() {
	bootstrapOnce = sync.Once{}
	bootstrapInfo = RuntimeInfo{}
	errBootstrap = nil
}

func writeFakeLib(t *testing.T, name string) string {
	t.Helper()

	lib := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}

	return lib
}

func TestDetectRuntimePrefersOMNIORTLIB(t *testing.T) {
	lib := writeFakeLib(t, "libonnxruntime.so.1.22.0")

	t.Setenv("OMNI_ORT_LIB", lib)
	t.Setenv("ORT_LIBRARY_PATH", filepath.Join(t.TempDir(), "does-not-exist"))
	t.Setenv("ORT_VERSION", "")

	info, err := DetectRuntime(config.RuntimeConfig{})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}

	if info.LibraryPath != lib {
		t.Fatalf("expected %q, got %q", lib, info.LibraryPath)
	}

	if info.Version != "1.22.0" {
		t.Fatalf("expected version inferred from file name, got %q", info.Version)
	}
}

func TestDetectRuntimeConfigWins(t *testing.T) {
	lib := writeFakeLib(t, "custom.so")
	t.Setenv("OMNI_ORT_LIB", writeFakeLib(t, "env.so"))

	info, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: lib, ORTVersion: "1.20.1"})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}

	if info.LibraryPath != lib || info.Version != "1.20.1" {
		t.Fatalf("unexpected runtime info: %+v", info)
	}
}

func TestDetectRuntimeMissingPath(t *testing.T) {
	_, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: filepath.Join(t.TempDir(), "nope.so")})
	if err == nil {
		t.Fatal("expected error for missing library file")
	}
}

func TestDetectRuntimeNotFound(t *testing.T) {
	for _, c := range libraryCandidates {
		if _, err := os.Stat(c); err == nil {
			t.Skipf("system ORT library present at %s", c)
		}
	}

	t.Setenv("OMNI_ORT_LIB", "")
	t.Setenv("ORT_LIBRARY_PATH", "")

	_, err := DetectRuntime(config.RuntimeConfig{})
	if !errors.Is(err, ErrRuntimeNotFound) {
		t.Fatalf("err = %v; want ErrRuntimeNotFound", err)
	}
}

func TestBootstrapRunsOnce(t *testing.T) {
	resetRuntimeStateForTest()
	t.Cleanup(resetRuntimeStateForTest)

	lib1 := writeFakeLib(t, "lib1.so")
	lib2 := writeFakeLib(t, "lib2.so")

	info1, err := Bootstrap(config.RuntimeConfig{Threads: 1, ORTLibraryPath: lib1})
	if err != nil {
		t.Fatalf("first bootstrap failed: %v", err)
	}

	info2, err := Bootstrap(config.RuntimeConfig{Threads: 1, ORTLibraryPath: lib2})
	if err != nil {
		t.Fatalf("second bootstrap failed: %v", err)
	}

	if info1.LibraryPath != lib1 {
		t.Fatalf("expected first lib path %q, got %q", lib1, info1.LibraryPath)
	}

	if info2.LibraryPath != lib1 {
		t.Fatalf("expected once semantics to keep %q, got %q", lib1, info2.LibraryPath)
	}
}
