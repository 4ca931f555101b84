package testutil

import (
	"encoding/binary"
	"errors"
	"testing"
)

// streamingSize marks a RIFF or data size left open by a streaming writer.
const streamingSize = 0xFFFFFFFF

// AssertValidWAV checks that data is a mono 16-bit PCM WAV at sampleRate
// with at least one sample, and returns the sample count. Streaming
// headers with open sizes are accepted; the count then comes from the
// payload length.
func AssertValidWAV(tb testing.TB, data []byte, sampleRate int) int {
	tb.Helper()

	if len(data) < 44 {
		tb.Fatalf("WAV data too short: %d bytes", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		tb.Fatalf("WAV: missing RIFF header (got %q)", string(data[0:4]))
	}

	if string(data[8:12]) != "WAVE" {
		tb.Fatalf("WAV: missing WAVE marker (got %q)", string(data[8:12]))
	}

	if string(data[12:16]) != "fmt " {
		tb.Fatalf("WAV: missing fmt chunk (got %q)", string(data[12:16]))
	}

	if audioFmt := binary.LittleEndian.Uint16(data[20:22]); audioFmt != 1 {
		tb.Fatalf("WAV: expected PCM format (1), got %d", audioFmt)
	}

	if channels := binary.LittleEndian.Uint16(data[22:24]); channels != 1 {
		tb.Fatalf("WAV: expected mono (1 channel), got %d", channels)
	}

	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != uint32(sampleRate) {
		tb.Fatalf("WAV: expected sample rate %d, got %d", sampleRate, rate)
	}

	if bitDepth := binary.LittleEndian.Uint16(data[34:36]); bitDepth != 16 {
		tb.Fatalf("WAV: expected 16-bit depth, got %d", bitDepth)
	}

	dataSize, err := findDataChunkSize(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	samples := dataSize / 2
	if samples == 0 {
		tb.Fatal("WAV: data chunk contains zero samples")
	}

	return samples
}

// findDataChunkSize walks the WAV chunk list to locate the "data" sub-chunk
// and returns its payload size in bytes.
func findDataChunkSize(data []byte) (int, error) {
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])

		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		if id == "data" {
			if size == streamingSize || int(size) > len(data)-offset-8 {
				return len(data) - offset - 8, nil
			}
			return int(size), nil
		}

		offset += 8 + int(size)
		if size%2 != 0 {
			offset++
		}
	}

	return 0, errors.New("data chunk not found in WAV")
}
