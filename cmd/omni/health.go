package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/go-omni/internal/server"
)

type healthParams struct {
	Addr    string
	Timeout time.Duration
	JSON    bool
	// Speaker fails the check when the server does not offer this profile.
	Speaker string
	// SampleRate fails the check when the server streams at another rate.
	SampleRate int
}

func newHealthCmd() *cobra.Command {
	var p healthParams

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running omni server and report its speakers and sample rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if p.Addr == "" {
				p.Addr = cfg.Server.ListenAddr
			}
			return runHealth(cmd.Context(), p, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&p.Addr, "addr", "", "HTTP server address to check (defaults to --server-listen-addr)")
	cmd.Flags().DurationVar(&p.Timeout, "timeout", 5*time.Second, "Give up after this long")
	cmd.Flags().BoolVar(&p.JSON, "json", false, "Print the health report as JSON")
	cmd.Flags().StringVar(&p.Speaker, "speaker", "", "Require this speaker profile")
	cmd.Flags().IntVar(&p.SampleRate, "sample-rate", 0, "Require this output sample rate (0 accepts any)")

	return cmd
}

func runHealth(ctx context.Context, p healthParams, w io.Writer) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	hl, err := server.CheckHealth(ctx, p.Addr)
	if err != nil {
		return fmt.Errorf("health %s: %w", p.Addr, err)
	}

	if p.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(hl); err != nil {
			return fmt.Errorf("encode health: %w", err)
		}
	} else {
		fmt.Fprintf(w, "ok %s\n", p.Addr)
		fmt.Fprintf(w, "  version:     %s\n", hl.Version)
		fmt.Fprintf(w, "  sample rate: %d Hz\n", hl.SampleRate)
		fmt.Fprintf(w, "  speakers:    %s\n", strings.Join(hl.Speakers, ", "))
		fmt.Fprintf(w, "  stats store: %t\n", hl.StatsStore)
	}

	if p.Speaker != "" && !slices.ContainsFunc(hl.Speakers, func(s string) bool { return strings.EqualFold(s, p.Speaker) }) {
		return fmt.Errorf("server does not offer speaker %q (have %s)", p.Speaker, strings.Join(hl.Speakers, ", "))
	}
	if p.SampleRate > 0 && hl.SampleRate != p.SampleRate {
		return fmt.Errorf("server streams at %d Hz, want %d", hl.SampleRate, p.SampleRate)
	}
	return nil
}
