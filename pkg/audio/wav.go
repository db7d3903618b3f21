package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Sentinel errors returned by [DecodeWAV].
var (
	ErrNotWAV         = errors.New("audio: not a RIFF/WAVE container")
	ErrWAVUnsupported = errors.New("audio: unsupported WAV encoding (want 16-bit PCM)")
)

// IsWAV reports whether data begins with a RIFF/WAVE header. TTS providers
// are inconsistent about honoring raw-PCM output formats, so the outbound
// pipeline sniffs every first chunk.
func IsWAV(data []byte) bool {
	return len(data) >= 12 &&
		string(data[0:4]) == "RIFF" &&
		string(data[8:12]) == "WAVE"
}

// DecodeWAV unwraps a RIFF/WAVE container and returns the raw PCM payload
// together with its format. Only uncompressed 16-bit PCM is supported; that
// is what every provider in the voice matrix produces when asked for WAV.
//
// Unknown chunks are skipped. Chunk sizes are padded to even offsets per the
// RIFF rules.
func DecodeWAV(data []byte) (AudioFrame, error) {
	if !IsWAV(data) {
		return AudioFrame{}, ErrNotWAV
	}

	var (
		sampleRate int
		channels   int
		bits       int
		pcm        []byte
		haveFmt    bool
	)

	// Walk the chunk list after the 12-byte RIFF header.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			// Truncated chunk: some encoders emit a short final data chunk
			// length; clamp instead of failing the whole reply.
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return AudioFrame{}, fmt.Errorf("audio: short fmt chunk (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			if format != 1 { // PCM
				return AudioFrame{}, fmt.Errorf("%w: format tag %d", ErrWAVUnsupported, format)
			}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word-aligned.
		if size%2 == 1 {
			size++
		}
		off = body + size
	}

	if !haveFmt || pcm == nil {
		return AudioFrame{}, fmt.Errorf("%w: missing fmt or data chunk", ErrNotWAV)
	}
	if bits != 16 {
		return AudioFrame{}, fmt.Errorf("%w: %d-bit samples", ErrWAVUnsupported, bits)
	}
	if channels < 1 || channels > 2 {
		return AudioFrame{}, fmt.Errorf("%w: %d channels", ErrWAVUnsupported, channels)
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}
