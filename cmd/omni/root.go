package main

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/server"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:          "omni",
		Short:        "Speech-in, speech-out response generation",
		Long:         "omni answers a spoken question with streamed text and speech from an ONNX omni model bundle.",
		Version:      server.BuildVersion(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(os.Stderr, loaded.LogLevel)
			slog.Debug("config loaded",
				"command", cmd.Name(),
				"config_file", cfgFile,
				"model_path", loaded.Paths.ModelPath,
				"tokenizer_path", loaded.Paths.TokenizerPath,
				"speaker", loaded.Generation.TalkerSpeaker,
			)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newRespondCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

// setupLogger installs a JSON logger on w as the process default. Every
// record carries the service name and build version. An unknown level falls
// back to info with a warning.
func setupLogger(w io.Writer, levelStr string) *slog.Logger {
	lvl, err := server.ParseLogLevel(levelStr)
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(h).With("service", "omni", "version", server.BuildVersion())
	slog.SetDefault(logger)
	if err != nil {
		logger.Warn("invalid log level, using info", "error", err)
	}
	return logger
}

func requireConfig() (config.Config, error) {
	if activeCfg.Paths.ModelPath == "" {
		return config.Config{}, errors.New("configuration not loaded: set --paths-model-path or paths.model_path")
	}
	return activeCfg, nil
}
