package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Capture profile: 16-bit signed little-endian mono PCM
const (
	BitsPerSample  = 16
	BytesPerSample = BitsPerSample / 8
	Channels       = 1

	wavHeaderLen = 44
)

// ErrInvalidWAV is returned when a buffer is not a 16-bit PCM WAV file
var ErrInvalidWAV = errors.New("invalid WAV data")

// BytesToSamples converts little-endian 16-bit PCM to samples.
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples to little-endian 16-bit PCM
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// PCMLevel returns the RMS level of raw PCM bytes without allocating
func PCMLevel(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0.0
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// PCMDuration returns the playback length of n PCM bytes
func PCMDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := int64(n / (BytesPerSample * Channels))
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// EncodeWAV wraps PCM bytes in a canonical 44-byte RIFF/WAVE header
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	wav := make([]byte, wavHeaderLen+len(pcm))

	copy(wav[0:], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:], uint32(len(wav)-8))
	copy(wav[8:], "WAVE")
	copy(wav[12:], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:], 16)
	binary.LittleEndian.PutUint16(wav[20:], 1) // PCM
	binary.LittleEndian.PutUint16(wav[22:], Channels)
	binary.LittleEndian.PutUint32(wav[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(wav[28:], uint32(sampleRate*Channels*BytesPerSample))
	binary.LittleEndian.PutUint16(wav[32:], Channels*BytesPerSample)
	binary.LittleEndian.PutUint16(wav[34:], BitsPerSample)
	copy(wav[36:], "data")
	binary.LittleEndian.PutUint32(wav[40:], uint32(len(pcm)))

	copy(wav[wavHeaderLen:], pcm)
	return wav
}

// DecodeWAV returns the PCM payload and sample rate of a buffer produced
// by EncodeWAV
func DecodeWAV(wav []byte) ([]byte, int, error) {
	if len(wav) < wavHeaderLen {
		return nil, 0, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidWAV, len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE markers", ErrInvalidWAV)
	}
	if bits := binary.LittleEndian.Uint16(wav[34:]); bits != BitsPerSample {
		return nil, 0, fmt.Errorf("%w: %d bits per sample", ErrInvalidWAV, bits)
	}

	size := int(binary.LittleEndian.Uint32(wav[40:]))
	if size > len(wav)-wavHeaderLen {
		return nil, 0, fmt.Errorf("%w: data chunk truncated", ErrInvalidWAV)
	}

	sampleRate := int(binary.LittleEndian.Uint32(wav[24:]))
	return wav[wavHeaderLen : wavHeaderLen+size], sampleRate, nil
}
