// Package bench provides benchmarking primitives for the omni bench command.
package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and token counts for a single response.
type RunResult struct {
	Index    int
	Cold     bool // true for the first run (cold-start)
	Duration time.Duration
	// Input is the duration of the audio clip the response was generated for.
	Input time.Duration
	// Processing is the time spent in the audio frontend, prefill and decode.
	Processing   time.Duration
	Tokens       int
	SpeechTokens int
	Outcome      string
	RTF          float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
	// MeanRTF averages the per-run RTF, skipping runs without audio input.
	MeanRTF float64
}

// ComputeStats calculates min, max and mean wall time plus mean RTF.
func ComputeStats(runs []RunResult) Stats {
	if len(runs) == 0 {
		return Stats{}
	}
	mn, mx := runs[0].Duration, runs[0].Duration
	var (
		sum    time.Duration
		rtfSum float64
		rtfN   int
	)
	for _, r := range runs {
		if r.Duration < mn {
			mn = r.Duration
		}
		if r.Duration > mx {
			mx = r.Duration
		}
		sum += r.Duration
		if r.Input > 0 {
			rtfSum += r.RTF
			rtfN++
		}
	}
	s := Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(runs)),
	}
	if rtfN > 0 {
		s.MeanRTF = rtfSum / float64(rtfN)
	}
	return s
}

// ---------------------------------------------------------------------------
// RTF helpers
// ---------------------------------------------------------------------------

// CalcRTF returns processing / input. Returns 0 if input is zero so an empty
// clip never reads as infinitely slow.
func CalcRTF(processing, input time.Duration) float64 {
	if input <= 0 {
		return 0
	}
	return float64(processing) / float64(input)
}

// Seconds converts fractional seconds, as reported by session stats, to a
// duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ---------------------------------------------------------------------------
// RTF threshold gate
// ---------------------------------------------------------------------------

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %10s  %7s  %7s  %8s  %s\n",
		"Run", "Cold", "MS", "Input(ms)", "Tokens", "Speech", "RTF", "Outcome")
	fmt.Fprintln(sb, strings.Repeat("-", 76))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %10.1f  %7d  %7d  %8.3f  %s\n",
			r.Index+1,
			cold,
			float64(r.Duration.Milliseconds()),
			float64(r.Input.Milliseconds()),
			r.Tokens,
			r.SpeechTokens,
			r.RTF,
			r.Outcome,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 76))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (min)\n", "", "", float64(stats.Min.Milliseconds()))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (mean)\n", "", "", float64(stats.Mean.Milliseconds()))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  (max)\n", "", "", float64(stats.Max.Milliseconds()))
	fmt.Fprintf(sb, "mean RTF: %.3f\n", stats.MeanRTF)

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index        int     `json:"index"`
	Cold         bool    `json:"cold"`
	DurationMS   float64 `json:"duration_ms"`
	InputMS      float64 `json:"input_ms"`
	ProcessingMS float64 `json:"processing_ms"`
	Tokens       int     `json:"tokens"`
	SpeechTokens int     `json:"speech_tokens"`
	Outcome      string  `json:"outcome"`
	RTF          float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS   float64 `json:"min_ms"`
	MeanMS  float64 `json:"mean_ms"`
	MaxMS   float64 `json:"max_ms"`
	MeanRTF float64 `json:"mean_rtf"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:   float64(stats.Min.Milliseconds()),
			MeanMS:  float64(stats.Mean.Milliseconds()),
			MaxMS:   float64(stats.Max.Milliseconds()),
			MeanRTF: stats.MeanRTF,
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:        r.Index,
			Cold:         r.Cold,
			DurationMS:   float64(r.Duration.Milliseconds()),
			InputMS:      float64(r.Input.Milliseconds()),
			ProcessingMS: float64(r.Processing.Milliseconds()),
			Tokens:       r.Tokens,
			SpeechTokens: r.SpeechTokens,
			Outcome:      r.Outcome,
			RTF:          r.RTF,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(jr)
}
