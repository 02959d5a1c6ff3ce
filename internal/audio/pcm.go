package audio

import (
	"encoding/binary"
	"math"
)

// Format of the PCM the transcoder emits and the backend consumes.
const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2 // signed 16-bit little-endian
)

// DecodeSamples converts s16le bytes to samples. A trailing odd byte is ignored.
func DecodeSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// EncodeSamples converts samples to s16le bytes
func EncodeSamples(samples []int16) []byte {
	pcm := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
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

// BytesToDuration reports how much audio len(pcm) bytes of PCM hold
func BytesToDuration(n int) float64 {
	return float64(n) / float64(SampleRate*Channels*BytesPerSample)
}
