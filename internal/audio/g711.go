package audio

// G.711 μ-law helpers for telephony-style streams (8 kHz PCMU)

const mulawBias = 0x21

// MulawToPCM expands G.711 μ-law bytes into 16-bit little-endian PCM
func MulawToPCM(mulaw []byte) []byte {
	samples := make([]int16, len(mulaw))
	for i, b := range mulaw {
		samples[i] = mulawToLinear(b) << 2
	}
	return SamplesToBytes(samples)
}

// Resample converts PCM between sample rates by linear interpolation
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(pcm) < BytesPerSample {
		return pcm
	}

	samples := BytesToSamples(pcm)
	ratio := float64(toRate) / float64(fromRate)
	out := make([]int16, int(float64(len(samples))*ratio))

	for i := range out {
		src := float64(i) / ratio
		i0 := int(src)
		i1 := min(i0+1, len(samples)-1)
		frac := src - float64(i0)
		out[i] = int16(float64(samples[i0])*(1-frac) + float64(samples[i1])*frac)
	}
	return SamplesToBytes(out)
}

func mulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int32((b >> 4) & 0x07)
	mantissa := int32(b & 0x0F)

	magnitude := (mantissa<<(exponent+1) + mulawBias<<exponent) - mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
