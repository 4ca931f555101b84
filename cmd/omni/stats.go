package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-omni/internal/statsstore"
)

func newStatsCmd() *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show recent responses from the stats store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			// Reading never depends on whether recording is switched on.
			cfg.Stats.Enabled = true

			store, err := statsstore.Open(cmd.Context(), cfg.Stats, slog.Default())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			recent, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			summary, err := store.Summarize(cmd.Context())
			if err != nil {
				return err
			}

			if format == "json" {
				return writeStatsJSON(cmd.OutOrStdout(), recent, summary)
			}
			writeStatsTable(cmd.OutOrStdout(), recent, summary)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent responses to show")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")

	return cmd
}

func writeStatsTable(w io.Writer, recent []statsstore.Row, summary []statsstore.Summary) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-6s  %-20s  %-18s  %-8s  %6s  %6s  %8s  %s\n",
		"ID", "Created", "Outcome", "Speaker", "Tokens", "Chunks", "RTF", "Audio")
	fmt.Fprintln(sb, strings.Repeat("-", 96))
	for _, r := range recent {
		fmt.Fprintf(sb, "%-6d  %-20s  %-18s  %-8s  %6d  %6d  %8.3f  %s\n",
			r.ID,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Outcome,
			r.Speaker,
			r.GeneratedTokens,
			r.Chunks,
			r.RTF(),
			r.AudioRef,
		)
	}

	fmt.Fprintln(sb)
	fmt.Fprintf(sb, "%-18s  %9s  %8s  %10s\n", "Outcome", "Responses", "Avg RTF", "Avg tokens")
	fmt.Fprintln(sb, strings.Repeat("-", 52))
	for _, s := range summary {
		fmt.Fprintf(sb, "%-18s  %9d  %8.3f  %10.1f\n", s.Outcome, s.Responses, s.AvgRTF, s.AvgTokens)
	}

	_, _ = fmt.Fprint(w, sb.String())
}

func writeStatsJSON(w io.Writer, recent []statsstore.Row, summary []statsstore.Summary) error {
	if recent == nil {
		recent = []statsstore.Row{}
	}
	if summary == nil {
		summary = []statsstore.Summary{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"recent": recent, "summary": summary}); err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	return nil
}
