// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram,
// Sarvam, or a whisper-server instance) and exposes a uniform streaming
// interface. The central abstraction is SessionHandle: once opened, a session
// accepts raw PCM audio frames and emits two streams of Transcript values —
// low-latency partials for responsiveness and authoritative finals for the
// call transcript — plus a stream of voice-activity events used to decide
// when the caller has finished speaking.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/dialvox/dialvox/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The telephony leg delivers
	// 8000; providers that require a different rate resample internally.
	SampleRate int

	// Channels is the number of audio channels. The telephony leg is always
	// mono, so this is 1 in practice.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en", "hi").
	// An empty string lets the provider use its default.
	Language string

	// DetectLanguage asks the provider to identify the spoken language per
	// utterance and report it on the Transcript. Providers without detection
	// support ignore this flag and leave Transcript.Language empty.
	DetectLanguage bool

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product or brand names. See
	// types.KeywordBoost for the boost intensity semantics.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk must match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcript values as the provider makes preliminary guesses. These
	// drive barge-in and early-response heuristics but must not be written
	// to the authoritative call transcript.
	// The channel is closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals returns a read-only channel that emits authoritative Transcript
	// values once the provider has committed to a recognition result. These
	// are the values that accumulate into the user's turn.
	// The channel is closed when the session ends.
	Finals() <-chan types.Transcript

	// Events returns a read-only channel of voice-activity signals. Providers
	// with server-side endpointing emit VADSpeechEnd when they judge the
	// utterance complete; the turn loop treats that as an end-of-speech
	// signal alongside its own debounce timer.
	// The channel is closed when the session ends.
	Events() <-chan types.VADEvent

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Partials, Finals,
	// and Events channels will be closed. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per live call).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
