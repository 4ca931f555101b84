package audio

// Resample converts clip to the target rate using linear interpolation.
// A clip already at the target rate is returned unchanged.
func Resample(clip Clip, rate int) Clip {
	if rate <= 0 || clip.SampleRate <= 0 || clip.SampleRate == rate || len(clip.Samples) == 0 {
		return clip
	}

	ratio := float64(clip.SampleRate) / float64(rate)
	n := int(float64(len(clip.Samples)) / ratio)
	if n < 1 {
		n = 1
	}

	out := make([]float32, n)
	last := len(clip.Samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = clip.Samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = clip.Samples[idx]*(1-frac) + clip.Samples[idx+1]*frac
	}

	return Clip{Samples: out, SampleRate: rate}
}
