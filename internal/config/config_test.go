package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder creates a FlagSet with all config flags registered at their defaults.
func newFlagBinder(defaults Config) *fakeBinder {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.ModelPath != "models/omni/manifest.json" {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, "models/omni/manifest.json")
	}

	if cfg.Paths.TmpPath != "tmp" {
		t.Errorf("TmpPath = %q; want %q", cfg.Paths.TmpPath, "tmp")
	}

	if cfg.Runtime.Threads != 4 {
		t.Errorf("Runtime.Threads = %d; want 4", cfg.Runtime.Threads)
	}

	if cfg.Runtime.MaxSessions != 1 {
		t.Errorf("Runtime.MaxSessions = %d; want 1", cfg.Runtime.MaxSessions)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":8080")
	}

	if cfg.Generation.Async {
		t.Error("Generation.Async = true; want false")
	}

	if cfg.Generation.TalkerSpeaker != SpeakerChelsie {
		t.Errorf("Generation.TalkerSpeaker = %q; want %q", cfg.Generation.TalkerSpeaker, SpeakerChelsie)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}
}

func TestBaseOptions_FillsTmpPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.TmpPath = "/scratch"

	if got := cfg.BaseOptions().TmpPath; got != "/scratch" {
		t.Errorf("BaseOptions().TmpPath = %q; want %q", got, "/scratch")
	}

	cfg.Generation.TmpPath = "/override"
	if got := cfg.BaseOptions().TmpPath; got != "/override" {
		t.Errorf("BaseOptions().TmpPath = %q; want %q", got, "/override")
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	cases := []struct {
		flag string
		want string
	}{
		{"paths-model-path", defaults.Paths.ModelPath},
		{"paths-tmp-path", "tmp"},
		{"server-listen-addr", ":8080"},
		{"generation-talker-speaker", SpeakerChelsie},
		{"generation-async", "false"},
		{"log-level", "info"},
	}

	for _, c := range cases {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	defaults := DefaultConfig()
	binder := newFlagBinder(defaults)

	cfg, err := Load(LoadOptions{
		Cmd:      binder,
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.ModelPath != defaults.Paths.ModelPath {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, defaults.Paths.ModelPath)
	}

	if cfg.Server.Workers != defaults.Server.Workers {
		t.Errorf("Server.Workers = %d; want %d", cfg.Server.Workers, defaults.Server.Workers)
	}

	if cfg.Generation != defaults.Generation {
		t.Errorf("Generation = %+v; want %+v", cfg.Generation, defaults.Generation)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	err := fs.Parse([]string{
		"--server-workers=8",
		"--generation-talker-speaker=ethan",
		"--generation-async=true",
		"--log-level=debug",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(LoadOptions{
		Cmd:      &fakeBinder{fs: fs},
		Defaults: defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Workers != 8 {
		t.Errorf("Server.Workers = %d; want 8", cfg.Server.Workers)
	}

	if cfg.Generation.TalkerSpeaker != SpeakerEthan {
		t.Errorf("TalkerSpeaker = %q; want %q", cfg.Generation.TalkerSpeaker, SpeakerEthan)
	}

	if !cfg.Generation.Async {
		t.Error("Generation.Async = false; want true")
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}
}

func TestLoad_OrtLibAlias(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	if err := fs.Parse([]string{"--ort-lib=/opt/ort/libonnxruntime.so"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: &fakeBinder{fs: fs}, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
		t.Errorf("ORTLibraryPath = %q; want alias value", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("OMNI_LOG_LEVEL", "warn")
	t.Setenv("OMNI_SERVER_LISTEN_ADDR", ":9999")
	t.Setenv("OMNI_GENERATION_MAX_NEW_TOKENS", "64")

	cfg, err := Load(LoadOptions{
		Defaults: DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Server.ListenAddr = %q; want %q", cfg.Server.ListenAddr, ":9999")
	}

	if cfg.Generation.MaxNewTokens != 64 {
		t.Errorf("MaxNewTokens = %d; want 64", cfg.Generation.MaxNewTokens)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "omni.yaml")

	content := `
log_level: error
server:
  workers: 16
  listen_addr: ":7777"
generation:
  talker_max_new_tokens: 1200
  talker_speaker: Ethan
`

	err := os.WriteFile(cfgFile, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:        newFlagBinder(defaults),
		ConfigFile: cfgFile,
		Defaults:   defaults,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "error")
	}

	if cfg.Server.Workers != 16 {
		t.Errorf("Server.Workers = %d; want 16", cfg.Server.Workers)
	}

	if cfg.Generation.TalkerMaxNewTokens != 1200 {
		t.Errorf("TalkerMaxNewTokens = %d; want 1200", cfg.Generation.TalkerMaxNewTokens)
	}

	if cfg.Generation.TalkerSpeaker != SpeakerEthan {
		t.Errorf("TalkerSpeaker = %q; want %q", cfg.Generation.TalkerSpeaker, SpeakerEthan)
	}
}

func TestLoad_ConfigFileUnknownSpeaker(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "omni.yaml")

	if err := os.WriteFile(cfgFile, []byte("generation:\n  talker_speaker: Nobody\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load() error = %v; want ErrInvalidConfig", err)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "bad.yaml")

	err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err = Load(LoadOptions{
		ConfigFile: cfgFile,
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/omni.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}
