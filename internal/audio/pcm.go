package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square level of a PCM16 frame, normalized to
// [0, 1] against full scale.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}

// BytesLE flattens PCM16 samples into little-endian bytes.
func BytesLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

// SamplesLE parses little-endian PCM16 bytes. A trailing odd byte is dropped.
func SamplesLE(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// SineTone synthesizes a mono PCM16 sine tone. Used by the mock server to
// produce playable bot speech without a TTS backend.
func SineTone(freqHz float64, dur float64, sampleRate int, amplitude float64) []int16 {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if amplitude < 0 {
		amplitude = 0
	}
	if amplitude > 1 {
		amplitude = 1
	}
	n := int(dur * float64(sampleRate))
	out := make([]int16, n)
	for i := range out {
		v := amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate))
		out[i] = int16(v * 32767)
	}
	return out
}
