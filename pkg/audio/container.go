package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedContainer is wrapped by [DecodeContainer] for any structurally
// invalid or unsupported chunk. Callers can treat every such failure as a
// recoverable per-chunk decode error.
var ErrMalformedContainer = errors.New("malformed audio container")

// containerHeader is the RIFF/WAVE header carried in front of every inbound
// speech chunk. It makes each chunk self-describing: sample rate, channel
// count, bit depth and payload length all come from the wire, never from
// session configuration.
type containerHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16 // 1 = PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

const containerHeaderSize = 44

// DecodeContainer parses a self-describing audio chunk into a playable
// [Clip]. Only uncompressed 16-bit PCM with one or two channels is accepted;
// everything else fails with an error wrapping [ErrMalformedContainer].
// The returned clip aliases data's payload region; callers that retain the
// clip beyond the lifetime of data must copy PCM.
func DecodeContainer(data []byte) (Clip, error) {
	if len(data) < containerHeaderSize {
		return Clip{}, fmt.Errorf("audio: %w: %d bytes, need at least %d", ErrMalformedContainer, len(data), containerHeaderSize)
	}

	var h containerHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return Clip{}, fmt.Errorf("audio: %w: read header: %v", ErrMalformedContainer, err)
	}

	switch {
	case string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE":
		return Clip{}, fmt.Errorf("audio: %w: not a RIFF/WAVE chunk", ErrMalformedContainer)
	case string(h.Subchunk1ID[:]) != "fmt " || string(h.Subchunk2ID[:]) != "data":
		return Clip{}, fmt.Errorf("audio: %w: missing fmt/data subchunks", ErrMalformedContainer)
	case h.AudioFormat != 1:
		return Clip{}, fmt.Errorf("audio: %w: audio format %d, only PCM supported", ErrMalformedContainer, h.AudioFormat)
	case h.BitsPerSample != 16:
		return Clip{}, fmt.Errorf("audio: %w: bit depth %d, only 16-bit supported", ErrMalformedContainer, h.BitsPerSample)
	case h.NumChannels != 1 && h.NumChannels != 2:
		return Clip{}, fmt.Errorf("audio: %w: %d channels, only mono/stereo supported", ErrMalformedContainer, h.NumChannels)
	case h.SampleRate == 0:
		return Clip{}, fmt.Errorf("audio: %w: zero sample rate", ErrMalformedContainer)
	}

	payload := data[containerHeaderSize:]
	if int(h.Subchunk2Size) > len(payload) {
		return Clip{}, fmt.Errorf("audio: %w: data chunk claims %d bytes, %d available", ErrMalformedContainer, h.Subchunk2Size, len(payload))
	}
	payload = payload[:h.Subchunk2Size]
	if len(payload) == 0 || len(payload)%(int(h.NumChannels)*2) != 0 {
		return Clip{}, fmt.Errorf("audio: %w: payload of %d bytes not aligned to %d-channel int16 frames", ErrMalformedContainer, len(payload), h.NumChannels)
	}

	return Clip{
		PCM: payload,
		Format: Format{
			SampleRate: int(h.SampleRate),
			Channels:   int(h.NumChannels),
		},
	}, nil
}

// EncodeContainer wraps PCM16 data in the self-describing container format.
// It is the inverse of [DecodeContainer] and is used by tests and local
// loopback servers; the production inbound path only decodes.
func EncodeContainer(clip Clip) ([]byte, error) {
	if !clip.Format.Valid() {
		return nil, fmt.Errorf("audio: encode container: invalid format %+v", clip.Format)
	}
	if len(clip.PCM)%(clip.Format.Channels*2) != 0 {
		return nil, fmt.Errorf("audio: encode container: %d bytes not aligned to %d-channel int16 frames", len(clip.PCM), clip.Format.Channels)
	}

	h := containerHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(containerHeaderSize - 8 + len(clip.PCM)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(clip.Format.Channels),
		SampleRate:    uint32(clip.Format.SampleRate),
		ByteRate:      uint32(clip.Format.BytesPerSecond()),
		BlockAlign:    uint16(clip.Format.Channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(len(clip.PCM)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, containerHeaderSize+len(clip.PCM)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("audio: encode container header: %w", err)
	}
	buf.Write(clip.PCM)
	return buf.Bytes(), nil
}
