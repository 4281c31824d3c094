// Package audio defines the core audio data types for the MaestroCat duplex
// audio path, together with the deterministic PCM16 wire codec, the
// self-describing container decoder for inbound speech chunks, and format
// conversion helpers (resampling, channel up/down mix).
//
// The two central types are:
//
//   - [Frame] — a fixed-size buffer of normalised samples produced by the
//     capture device, the atomic outbound unit.
//   - [Clip] — a decoded, playable PCM16 buffer with a self-describing
//     format, the atomic inbound unit handed to the playback scheduler.
//
// This package lives under pkg/ because device adapters and transport
// implementations outside this repository are expected to exchange these
// types.
package audio

import "time"

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for capture, 24000 for synthesised speech).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int
}

// BytesPerSecond returns the PCM16 byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the play time of n bytes of PCM16 data in this format.
// Returns zero for an invalid format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Valid reports whether the format has a positive sample rate and a
// supported channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// Frame is a single capture buffer of normalised amplitudes in [-1.0, 1.0].
// Frames are created once per capture tick, are immutable after creation,
// and are consumed exactly once by the encoder.
type Frame struct {
	// Samples holds one amplitude per sample, interleaved when Channels > 1.
	Samples []float64

	// SampleRate in Hz of the capture device.
	SampleRate int

	// Channels of the capture device (1 = mono).
	Channels int

	// Seq is a monotonic per-capture-session sequence number. It resets
	// when the capture session restarts; there is no cross-session ordering
	// guarantee.
	Seq uint64
}

// Duration returns the play time of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)/f.Channels) * time.Second / time.Duration(f.SampleRate)
}

// Clip is a decoded playable PCM16 buffer. Its duration is intrinsic —
// derived from its own format, which may differ from both the capture
// format and the output device format.
type Clip struct {
	// PCM is little-endian int16 sample data, interleaved when stereo.
	PCM []byte

	// Format describes the sample rate and channel count of PCM.
	Format Format
}

// Duration returns the intrinsic play time of the clip.
func (c Clip) Duration() time.Duration {
	return c.Format.Duration(len(c.PCM))
}
