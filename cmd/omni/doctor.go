package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/doctor"
	"github.com/example/go-omni/internal/onnx"
)

func newDoctorCmd() *cobra.Command {
	var skipRuntime bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and model checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dcfg := doctorConfig(cfg)
			dcfg.SkipRuntime = skipRuntime

			return runDoctor(dcfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().BoolVar(&skipRuntime, "skip-runtime", false, "Skip the ONNX Runtime library check")

	return cmd
}

// doctorConfig wires the doctor checks to the configured runtime, model
// bundle, tokenizer and scratch directory.
func doctorConfig(cfg config.Config) doctor.Config {
	return doctor.Config{
		Runtime: func() (string, string, error) {
			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return "", "", err
			}
			ver := info.Version
			if ver == "unknown" {
				ver = ""
			}
			return info.LibraryPath, ver, nil
		},
		Bundle: func() ([]string, error) {
			sm, err := onnx.NewSessionManager(cfg.Paths.ModelPath)
			if err != nil {
				return nil, err
			}
			return sm.Missing(), nil
		},
		TokenizerModel: cfg.Paths.TokenizerPath,
		TmpPath:        cfg.Paths.TmpPath,
	}
}

func runDoctor(dcfg doctor.Config, stdout, stderr io.Writer) error {
	result := doctor.Run(dcfg, stdout)

	if result.Failed() {
		for _, f := range result.Failures() {
			_, _ = fmt.Fprintf(stderr, "FAIL: %s\n", f)
		}

		return errors.New("doctor checks failed")
	}

	_, _ = fmt.Fprintln(stdout, "doctor checks passed")

	return nil
}
