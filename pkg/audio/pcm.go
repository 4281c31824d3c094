package audio

import (
	"encoding/binary"
	"math"
)

// pcm16Scale is the quantisation scale factor. Encoding multiplies by this
// and clamps, so +1.0 saturates to 32767 and -1.0 maps exactly to -32768.
const pcm16Scale = 32768

// EncodeFrame converts a capture frame to little-endian PCM16 wire bytes.
// Each sample is clamped to [-1.0, 1.0] first, then quantised with symmetric
// saturation. The mapping is deterministic and does not depend on the
// floating-point rounding mode: 0.5 → 16384, 1.0 → 0x7FFF, -1.0 → 0x8000.
func EncodeFrame(f Frame) []byte {
	return EncodePCM16(f.Samples)
}

// EncodePCM16 quantises normalised samples to little-endian int16 bytes.
func EncodePCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantise(v)))
	}
	return out
}

// DecodePCM16 converts little-endian int16 bytes back to normalised samples.
// A trailing odd byte is ignored. Together with [EncodePCM16] the round trip
// reproduces the original samples within one least-significant bit of
// quantisation error.
func DecodePCM16(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float64(s) / pcm16Scale
	}
	return out
}

// quantise maps a normalised amplitude to an int16 with symmetric saturation.
func quantise(v float64) int16 {
	if v > 1.0 {
		v = 1.0
	} else if v < -1.0 {
		v = -1.0
	}
	s := math.Round(v * pcm16Scale)
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return int16(s)
}
