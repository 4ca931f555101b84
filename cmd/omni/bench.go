package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/bench"
	"github.com/example/go-omni/internal/omni"
)

func newBenchCmd() *cobra.Command {
	var (
		runs         int
		format       string
		rtfThreshold float64
		sets         []string
	)

	cmd := &cobra.Command{
		Use:   "bench <audio.wav> [question...]",
		Short: "Benchmark response latency and realtime factor",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			layers, err := requestLayers("", sets)
			if err != nil {
				return err
			}

			clip, err := audio.ReadWAVFile(args[0])
			if err != nil {
				return fmt.Errorf("read input audio: %w", err)
			}

			p, err := openPipeline(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			results, err := runBench(cmd.Context(), p.sched, omni.Request{
				AudioRef:    args[0],
				Clip:        clip,
				Instruction: strings.Join(args[1:], " "),
				Options:     layers,
			}, runs)
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(results)

			switch format {
			case "json":
				bench.FormatJSON(results, stats, os.Stdout)
			default:
				bench.FormatTable(results, stats, os.Stdout)
			}

			return bench.CheckRTFThreshold(stats.MeanRTF, rtfThreshold)
		},
	}

	cmd.Flags().IntVar(&runs, "runs", 5, "Number of responses to generate")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Exit non-zero if mean RTF exceeds this value (0 = disabled)")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Per-request option in key=value form (repeatable)")

	return cmd
}

func runBench(ctx context.Context, r responder, req omni.Request, runs int) ([]bench.RunResult, error) {
	results := make([]bench.RunResult, 0, runs)

	for i := range runs {
		start := time.Now()
		res, err := r.Respond(ctx, req, nil, &audio.Collector{})
		if err != nil {
			return nil, fmt.Errorf("run %d failed: %w", i+1, err)
		}

		results = append(results, bench.RunResult{
			Index:        i,
			Cold:         i == 0,
			Duration:     time.Since(start),
			Input:        bench.Seconds(res.Stats.AudioInputSeconds),
			Processing:   bench.Seconds(res.Stats.AudioProcessingSeconds()),
			Tokens:       len(res.Tokens),
			SpeechTokens: res.SpeechTokens,
			Outcome:      omni.Outcome(nil, res.Cancelled),
			RTF:          res.Stats.RTF(),
		})
	}

	return results, nil
}
