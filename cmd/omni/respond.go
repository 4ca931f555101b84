package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-omni/internal/audio"
	"github.com/example/go-omni/internal/config"
	"github.com/example/go-omni/internal/omni"
	"github.com/example/go-omni/internal/prompt"
)

func newRespondCmd() *cobra.Command {
	var (
		out         string
		optionsJSON string
		sets        []string
	)

	cmd := &cobra.Command{
		Use:   "respond <audio.wav> [question...]",
		Short: "Answer a spoken question with streamed text and a WAV file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			layers, err := requestLayers(optionsJSON, sets)
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

			_, err = runRespond(cmd.Context(), p.sched, respondParams{
				AudioRef: args[0],
				Clip:     clip,
				Question: strings.Join(args[1:], " "),
				Layers:   layers,
				Out:      out,
			}, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVar(&out, "out", "output.wav", "Output WAV path")
	cmd.Flags().StringVar(&optionsJSON, "options", "", `Per-request options as a JSON object, e.g. '{"talker_speaker":"Ethan"}'`)
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Per-request option in key=value form (repeatable, wins over --options)")

	return cmd
}

// requestLayers builds the per-request option layers. The command answers
// synchronously unless the caller asks for async.
func requestLayers(optionsJSON string, sets []string) ([]map[string]any, error) {
	layers := []map[string]any{{"async": false}}

	if strings.TrimSpace(optionsJSON) != "" {
		layer, err := config.ParseOptionsJSON(optionsJSON)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	if len(sets) > 0 {
		layer, err := config.ParseOptionPairs(sets)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}

	return layers, nil
}

type respondParams struct {
	AudioRef string
	Clip     audio.Clip
	Question string
	Layers   []map[string]any
	Out      string
}

// runRespond prints the prompt, streams text tokens to w as they commit and
// writes the waveform to p.Out once the terminal chunk arrives.
func runRespond(ctx context.Context, r responder, p respondParams, w io.Writer) (omni.Result, error) {
	pr, err := prompt.Build(p.AudioRef, p.Question)
	if err != nil {
		return omni.Result{}, err
	}
	_, _ = fmt.Fprintf(w, "prompt: %s\n", pr)

	var writeErr error
	collector := &audio.Collector{
		OnComplete: func(samples []float32) error {
			writeErr = audio.WriteWAVFile(p.Out, samples, r.SampleRate())
			return writeErr
		},
	}

	text := omni.TextSinkFunc(func(tok omni.TextToken) {
		_, _ = fmt.Fprint(w, tok.Text)
	})

	res, err := r.Respond(ctx, omni.Request{
		AudioRef:    p.AudioRef,
		Clip:        p.Clip,
		Instruction: p.Question,
		Options:     p.Layers,
	}, text, collector)
	_, _ = fmt.Fprintln(w)

	if err != nil {
		return res, err
	}
	if len(res.UnknownOptions) > 0 {
		_, _ = fmt.Fprintf(w, "ignored options: %s\n", strings.Join(res.UnknownOptions, ", "))
	}

	switch {
	case writeErr != nil:
		return res, fmt.Errorf("write %s: %w", p.Out, writeErr)
	case !collector.Complete():
		return res, errors.New("generation ended without a terminal waveform chunk")
	}

	_, _ = fmt.Fprintf(w, "wrote %s (%d samples @ %d Hz)\n", p.Out, res.Samples, res.SampleRate)
	printStats(w, res.Stats)

	return res, nil
}

func printStats(w io.Writer, s omni.Snapshot) {
	_, _ = fmt.Fprintf(w, "prompt tokens:    %d\n", s.PromptTokens)
	_, _ = fmt.Fprintf(w, "decode tokens:    %d\n", s.GeneratedTokens)
	_, _ = fmt.Fprintf(w, "audio input:      %.3f s\n", s.AudioInputSeconds)
	_, _ = fmt.Fprintf(w, "audio processing: %.3f s\n", s.AudioProcessingSeconds())
	if s.AudioInputSeconds > 0 {
		_, _ = fmt.Fprintf(w, "rtf:              %.3f\n", s.RTF())
	}
}
