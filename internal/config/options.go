package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// Recognised per-request option keys.
const (
	KeyTmpPath            = "tmp_path"
	KeyAsync              = "async"
	KeyMaxNewTokens       = "max_new_tokens"
	KeyTalkerMaxNewTokens = "talker_max_new_tokens"
	KeyTalkerSpeaker      = "talker_speaker"
	KeyChunkTokens        = "chunk_tokens"
	KeyTemperature        = "temperature"
	KeyTopK               = "top_k"
	KeyTopP               = "top_p"
	KeyTalkerTemperature  = "talker_temperature"
	KeyTalkerTopK         = "talker_top_k"
	KeySeed               = "seed"
)

// ErrInvalidConfig is matched by every InvalidConfigError.
var ErrInvalidConfig = errors.New("invalid config")

// InvalidConfigError reports a malformed value for a recognised option key.
type InvalidConfigError struct {
	Key    string
	Value  any
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config %s=%v: %s", e.Key, e.Value, e.Reason)
}

func (e *InvalidConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Options is the effective per-request generation configuration. It is
// resolved once before decoding starts and never mutated afterwards.
type Options struct {
	TmpPath            string  `mapstructure:"tmp_path"`
	Async              bool    `mapstructure:"async"`
	MaxNewTokens       int     `mapstructure:"max_new_tokens"`
	TalkerMaxNewTokens int     `mapstructure:"talker_max_new_tokens"`
	TalkerSpeaker      string  `mapstructure:"talker_speaker"`
	ChunkTokens        int     `mapstructure:"chunk_tokens"`
	Temperature        float64 `mapstructure:"temperature"`
	TopK               int     `mapstructure:"top_k"`
	TopP               float64 `mapstructure:"top_p"`
	TalkerTemperature  float64 `mapstructure:"talker_temperature"`
	TalkerTopK         int     `mapstructure:"talker_top_k"`
	Seed               int64   `mapstructure:"seed"`
}

func DefaultOptions() Options {
	return Options{
		TmpPath:            "",
		Async:              false,
		MaxNewTokens:       512,
		TalkerMaxNewTokens: 2048,
		TalkerSpeaker:      SpeakerChelsie,
		ChunkTokens:        50,
		Temperature:        0,
		TopK:               0,
		TopP:               1,
		TalkerTemperature:  0.9,
		TalkerTopK:         40,
		Seed:               0,
	}
}

// ResolveOptions layers flat key/value maps over base. Later layers win.
// Keys that are not recognised are returned (sorted, deduplicated) so the
// caller can log them; they never fail resolution. A malformed value for a
// recognised key yields an *InvalidConfigError.
//
// ResolveOptions has no side effects: resolving the same inputs twice
// produces identical Options.
func ResolveOptions(base Options, layers ...map[string]any) (Options, []string, error) {
	opts := base
	unknown := map[string]struct{}{}

	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			recognised, err := opts.set(k, layer[k])
			if err != nil {
				return Options{}, nil, err
			}
			if !recognised {
				unknown[k] = struct{}{}
			}
		}
	}

	if err := opts.validate(); err != nil {
		return Options{}, nil, err
	}

	out := make([]string, 0, len(unknown))
	for k := range unknown {
		out = append(out, k)
	}
	sort.Strings(out)

	return opts, out, nil
}

// ParseOptionsJSON decodes a JSON object of options such as
// {"async":false,"talker_speaker":"Ethan"}.
func ParseOptionsJSON(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return out, nil
}

// ParseOptionPairs turns key=value strings into an option layer. Values
// stay strings and are coerced during resolution.
func ParseOptionPairs(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q (want key=value)", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func (o *Options) set(key string, raw any) (bool, error) {
	var err error
	switch key {
	case KeyTmpPath:
		o.TmpPath, err = toString(key, raw)
	case KeyAsync:
		o.Async, err = toBool(key, raw)
	case KeyMaxNewTokens:
		o.MaxNewTokens, err = toInt(key, raw)
	case KeyTalkerMaxNewTokens:
		o.TalkerMaxNewTokens, err = toInt(key, raw)
	case KeyTalkerSpeaker:
		var name string
		if name, err = toString(key, raw); err == nil {
			o.TalkerSpeaker, err = NormalizeSpeaker(name)
		}
	case KeyChunkTokens:
		o.ChunkTokens, err = toInt(key, raw)
	case KeyTemperature:
		o.Temperature, err = toFloat(key, raw)
	case KeyTopK:
		o.TopK, err = toInt(key, raw)
	case KeyTopP:
		o.TopP, err = toFloat(key, raw)
	case KeyTalkerTemperature:
		o.TalkerTemperature, err = toFloat(key, raw)
	case KeyTalkerTopK:
		o.TalkerTopK, err = toInt(key, raw)
	case KeySeed:
		var n int
		n, err = toInt(key, raw)
		o.Seed = int64(n)
	default:
		return false, nil
	}
	return true, err
}

func (o *Options) validate() error {
	speaker, err := NormalizeSpeaker(o.TalkerSpeaker)
	if err != nil {
		return err
	}
	o.TalkerSpeaker = speaker

	switch {
	case o.MaxNewTokens < 1:
		return &InvalidConfigError{Key: KeyMaxNewTokens, Value: o.MaxNewTokens, Reason: "must be >= 1"}
	case o.TalkerMaxNewTokens < 1:
		return &InvalidConfigError{Key: KeyTalkerMaxNewTokens, Value: o.TalkerMaxNewTokens, Reason: "must be >= 1"}
	case o.ChunkTokens < 1:
		return &InvalidConfigError{Key: KeyChunkTokens, Value: o.ChunkTokens, Reason: "must be >= 1"}
	case o.Temperature < 0:
		return &InvalidConfigError{Key: KeyTemperature, Value: o.Temperature, Reason: "must be >= 0"}
	case o.TalkerTemperature < 0:
		return &InvalidConfigError{Key: KeyTalkerTemperature, Value: o.TalkerTemperature, Reason: "must be >= 0"}
	case o.TopK < 0:
		return &InvalidConfigError{Key: KeyTopK, Value: o.TopK, Reason: "must be >= 0"}
	case o.TalkerTopK < 0:
		return &InvalidConfigError{Key: KeyTalkerTopK, Value: o.TalkerTopK, Reason: "must be >= 0"}
	case o.TopP <= 0 || o.TopP > 1:
		return &InvalidConfigError{Key: KeyTopP, Value: o.TopP, Reason: "must be in (0, 1]"}
	}
	return nil
}

func toString(key string, raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", &InvalidConfigError{Key: key, Value: raw, Reason: "want string"}
	}
	return s, nil
}

func toBool(key string, raw any) (bool, error) {
	if n, ok := raw.(json.Number); ok {
		raw = n.String()
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return false, &InvalidConfigError{Key: key, Value: raw, Reason: "want boolean"}
	}
	return b, nil
}

func toInt(key string, raw any) (int, error) {
	switch v := raw.(type) {
	case json.Number:
		raw = v.String()
	case float64:
		if v != math.Trunc(v) {
			return 0, &InvalidConfigError{Key: key, Value: raw, Reason: "want integer"}
		}
	case float32:
		if float64(v) != math.Trunc(float64(v)) {
			return 0, &InvalidConfigError{Key: key, Value: raw, Reason: "want integer"}
		}
	case bool:
		return 0, &InvalidConfigError{Key: key, Value: raw, Reason: "want integer"}
	}
	n, err := cast.ToIntE(raw)
	if err != nil {
		return 0, &InvalidConfigError{Key: key, Value: raw, Reason: "want integer"}
	}
	return n, nil
}

func toFloat(key string, raw any) (float64, error) {
	if n, ok := raw.(json.Number); ok {
		raw = n.String()
	}
	if _, ok := raw.(bool); ok {
		return 0, &InvalidConfigError{Key: key, Value: raw, Reason: "want number"}
	}
	f, err := cast.ToFloat64E(raw)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &InvalidConfigError{Key: key, Value: raw, Reason: "want number"}
	}
	return f, nil
}
