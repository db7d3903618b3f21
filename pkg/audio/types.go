// Package audio provides the PCM utilities shared by the voice pipeline:
// format conversion between the telephony leg and provider sample rates,
// fixed-size outbound framing, and WAV container unwrapping for providers
// that return encoded audio instead of raw PCM.
//
// Everything in this package operates on 16-bit little-endian PCM. The
// telephony leg is always 8 kHz mono ([TelephonyRate]); provider legs vary
// (16 kHz for some STT models, 22.05/24 kHz for some TTS voices).
package audio

import "time"

// TelephonyRate is the sample rate of the gateway audio leg in Hz.
const TelephonyRate = 8000

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — received from the telephony
// gateway, converted between formats, and framed back out after synthesis.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are described by the
	// accompanying fields.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for the telephony leg).
	SampleRate int

	// Channels: 1 for mono. The telephony leg is always mono; stereo only
	// appears transiently when a TTS provider returns a stereo WAV.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
