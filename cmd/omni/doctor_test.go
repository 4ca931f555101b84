package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/doctor"
)

func TestRunDoctor_PassesWithHealthyEnvironment(t *testing.T) {
	dcfg := doctor.Config{
		SkipRuntime: true,
		Bundle:      func() ([]string, error) { return nil, nil },
		TmpPath:     t.TempDir(),
	}

	var stdout, stderr strings.Builder
	if err := runDoctor(dcfg, &stdout, &stderr); err != nil {
		t.Fatalf("runDoctor: %v\n%s", err, stderr.String())
	}

	if !strings.Contains(stdout.String(), "doctor checks passed") {
		t.Errorf("expected pass summary:\n%s", stdout.String())
	}
}

func TestRunDoctor_ReportsFailures(t *testing.T) {
	dcfg := doctor.Config{
		SkipRuntime: true,
		Bundle:      func() ([]string, error) { return []string{"token2wav"}, nil },
	}

	var stdout, stderr strings.Builder
	err := runDoctor(dcfg, &stdout, &stderr)
	if err == nil {
		t.Fatal("expected doctor failure")
	}

	if !strings.Contains(stderr.String(), "FAIL: model bundle: missing graphs token2wav") {
		t.Errorf("expected FAIL line on stderr:\n%s", stderr.String())
	}
}

func TestDoctorConfig_WiresConfiguredPaths(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so.1.20.1")
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake library: %v", err)
	}
	t.Setenv("ORT_VERSION", "")

	cfg := config.DefaultConfig()
	cfg.Runtime.ORTLibraryPath = lib
	cfg.Paths.ModelPath = filepath.Join(dir, "missing", "manifest.json")
	cfg.Paths.TokenizerPath = filepath.Join(dir, "tokenizer.model")
	cfg.Paths.TmpPath = filepath.Join(dir, "tmp")

	dcfg := doctorConfig(cfg)

	path, ver, err := dcfg.Runtime()
	if err != nil {
		t.Fatalf("Runtime: %v", err)
	}

	if path != lib || ver != "1.20.1" {
		t.Errorf("Runtime() = %q, %q", path, ver)
	}

	if _, err := dcfg.Bundle(); err == nil {
		t.Error("expected bundle error for a missing manifest")
	}

	if dcfg.TokenizerModel != cfg.Paths.TokenizerPath || dcfg.TmpPath != cfg.Paths.TmpPath {
		t.Errorf("paths not wired: %+v", dcfg)
	}
}

func TestDoctorConfig_UnknownVersionIsBlank(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libonnxruntime.so")
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake library: %v", err)
	}
	t.Setenv("ORT_VERSION", "")

	cfg := config.DefaultConfig()
	cfg.Runtime.ORTLibraryPath = lib

	_, ver, err := doctorConfig(cfg).Runtime()
	if err != nil {
		t.Fatalf("Runtime: %v", err)
	}

	if ver != "" {
		t.Errorf("want blank version, got %q", ver)
	}
}
