package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths      PathsConfig   `mapstructure:"paths"`
	Runtime    RuntimeConfig `mapstructure:"runtime"`
	Server     ServerConfig  `mapstructure:"server"`
	Generation Options       `mapstructure:"generation"`
	Stats      StatsConfig   `mapstructure:"stats"`
	LogLevel   string        `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelPath     string `mapstructure:"model_path"`
	TokenizerPath string `mapstructure:"tokenizer_path"`
	TmpPath       string `mapstructure:"tmp_path"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
	MaxSessions    int    `mapstructure:"max_sessions"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	MaxAudioBytes   int    `mapstructure:"max_audio_bytes"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

type StatsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath:     "models/omni/manifest.json",
			TokenizerPath: "models/omni/tokenizer.model",
			TmpPath:       "tmp",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			InterOpThreads: 1,
			ORTLibraryPath: "",
			ORTVersion:     "",
			MaxSessions:    1,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         2,
			MaxAudioBytes:   16 << 20,
			RequestTimeout:  120,
			ShutdownTimeout: 30,
		},
		Generation: DefaultOptions(),
		Stats: StatsConfig{
			Enabled: false,
			Path:    "data/omni-stats.db",
		},
		LogLevel: "info",
	}
}

// BaseOptions returns the generation defaults with the configured scratch
// location filled in. It is the first layer passed to ResolveOptions.
func (c Config) BaseOptions() Options {
	opts := c.Generation
	if opts.TmpPath == "" {
		opts.TmpPath = c.Paths.TmpPath
	}
	return opts
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to the ONNX model bundle manifest")
	fs.String("paths-tokenizer-path", defaults.Paths.TokenizerPath, "Path to the SentencePiece tokenizer model")
	fs.String("paths-tmp-path", defaults.Paths.TmpPath, "Scratch directory for per-request spill storage")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "ONNX Runtime inter-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.Int("runtime-max-sessions", defaults.Runtime.MaxSessions, "Maximum concurrent generation requests")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-workers", defaults.Server.Workers, "Maximum concurrent HTTP generation requests")
	fs.Int("server-max-audio-bytes", defaults.Server.MaxAudioBytes, "Maximum accepted audio upload size in bytes")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request generation deadline in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain period in seconds")
	fs.Bool("generation-async", defaults.Generation.Async, "Pipeline the talker with text decoding")
	fs.Int("generation-max-new-tokens", defaults.Generation.MaxNewTokens, "Maximum generated text tokens")
	fs.Int("generation-talker-max-new-tokens", defaults.Generation.TalkerMaxNewTokens, "Maximum generated speech tokens")
	fs.String("generation-talker-speaker", defaults.Generation.TalkerSpeaker, "Talker voice profile ("+strings.Join(SpeakerNames(), "|")+")")
	fs.Int("generation-chunk-tokens", defaults.Generation.ChunkTokens, "Speech tokens per vocoded waveform chunk")
	fs.Bool("stats-enabled", defaults.Stats.Enabled, "Record per-response stats in the sqlite stats store")
	fs.String("stats-path", defaults.Stats.Path, "Path to the sqlite stats store")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("OMNI")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "OMNI_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("omni")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// Generation defaults go through the same validation as per-request
	// overrides so a bad config file fails at startup.
	resolved, _, err := ResolveOptions(cfg.Generation)
	if err != nil {
		return Config{}, err
	}
	cfg.Generation = resolved

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("paths.tokenizer_path", c.Paths.TokenizerPath)
	v.SetDefault("paths.tmp_path", c.Paths.TmpPath)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("runtime.max_sessions", c.Runtime.MaxSessions)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.max_audio_bytes", c.Server.MaxAudioBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("generation.tmp_path", c.Generation.TmpPath)
	v.SetDefault("generation.async", c.Generation.Async)
	v.SetDefault("generation.max_new_tokens", c.Generation.MaxNewTokens)
	v.SetDefault("generation.talker_max_new_tokens", c.Generation.TalkerMaxNewTokens)
	v.SetDefault("generation.talker_speaker", c.Generation.TalkerSpeaker)
	v.SetDefault("generation.chunk_tokens", c.Generation.ChunkTokens)
	v.SetDefault("generation.temperature", c.Generation.Temperature)
	v.SetDefault("generation.top_k", c.Generation.TopK)
	v.SetDefault("generation.top_p", c.Generation.TopP)
	v.SetDefault("generation.talker_temperature", c.Generation.TalkerTemperature)
	v.SetDefault("generation.talker_top_k", c.Generation.TalkerTopK)
	v.SetDefault("generation.seed", c.Generation.Seed)
	v.SetDefault("stats.enabled", c.Stats.Enabled)
	v.SetDefault("stats.path", c.Stats.Path)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps kebab-case flag names onto their config keys.
var flagKeys = []struct{ flag, key string }{
	{"paths-model-path", "paths.model_path"},
	{"paths-tokenizer-path", "paths.tokenizer_path"},
	{"paths-tmp-path", "paths.tmp_path"},
	{"runtime-threads", "runtime.threads"},
	{"runtime-inter-op-threads", "runtime.inter_op_threads"},
	{"runtime-ort-library-path", "runtime.ort_library_path"},
	{"runtime-ort-version", "runtime.ort_version"},
	{"runtime-max-sessions", "runtime.max_sessions"},
	{"server-listen-addr", "server.listen_addr"},
	{"server-workers", "server.workers"},
	{"server-max-audio-bytes", "server.max_audio_bytes"},
	{"server-request-timeout", "server.request_timeout"},
	{"server-shutdown-timeout", "server.shutdown_timeout"},
	{"generation-async", "generation.async"},
	{"generation-max-new-tokens", "generation.max_new_tokens"},
	{"generation-talker-max-new-tokens", "generation.talker_max_new_tokens"},
	{"generation-talker-speaker", "generation.talker_speaker"},
	{"generation-chunk-tokens", "generation.chunk_tokens"},
	{"stats-enabled", "stats.enabled"},
	{"stats-path", "stats.path"},
	{"log-level", "log_level"},
}

// bindFlags binds each registered flag to its dotted config key. Binding by
// key (instead of aliasing) keeps config-file and env values visible to
// Unmarshal when the flag was not set explicitly.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", fk.flag, err)
		}
	}
	if f := fs.Lookup("ort-lib"); f != nil && f.Changed {
		if err := v.BindPFlag("runtime.ort_library_path", f); err != nil {
			return fmt.Errorf("bind flag ort-lib: %w", err)
		}
	}
	return nil
}
