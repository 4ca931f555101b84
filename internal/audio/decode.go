package audio

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/cwbudde/wav"
)

// Sample rates used at the process boundary.
const (
	// InputSampleRate is the rate the audio encoder expects.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of vocoder output.
	OutputSampleRate = 24000
	OutputChannels   = 1
	OutputBitDepth   = 16
)

// ErrEmptyAudio is returned when a WAV payload carries no samples.
var ErrEmptyAudio = errors.New("audio contains no samples")

// Clip is a mono float32 PCM buffer with its sample rate.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Empty reports whether the clip has no usable samples.
func (c Clip) Empty() bool {
	return len(c.Samples) == 0 || c.SampleRate <= 0
}

// DecodeWAV decodes a PCM WAV payload of any rate, bit depth and channel
// count into a mono clip. Multichannel input is averaged down to one channel.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid WAV file")
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		return Clip{}, fmt.Errorf("invalid channel count %d", channels)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("reading PCM data: %w", err)
	}
	if len(buf.Data) < channels {
		return Clip{}, ErrEmptyAudio
	}

	return Clip{
		Samples:    downmix(buf.Data, channels),
		SampleRate: int(dec.SampleRate),
	}, nil
}

// ReadWAVFile loads and decodes a WAV file from disk.
func ReadWAVFile(path string) (Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("read audio %q: %w", path, err)
	}
	clip, err := DecodeWAV(data)
	if err != nil {
		return Clip{}, fmt.Errorf("decode audio %q: %w", path, err)
	}
	return clip, nil
}

func downmix(interleaved []float32, channels int) []float32 {
	if channels == 1 {
		return append([]float32(nil), interleaved...)
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
