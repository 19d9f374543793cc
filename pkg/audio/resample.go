package audio

// Resample converts mono samples between rates by linear interpolation.
func Resample(in []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || len(in) == 0 {
		return nil
	}
	if from == to {
		return append([]float32(nil), in...)
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	if n == 0 {
		n = 1
	}
	out := make([]float32, n)
	step := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out
}

// ResamplePCM16 resamples PCM16 through float space.
func ResamplePCM16(in []int16, from, to int) []int16 {
	if from == to {
		return append([]int16(nil), in...)
	}
	return QuantizeAll(Resample(FloatsFromPCM16(in), from, to), 1)
}
