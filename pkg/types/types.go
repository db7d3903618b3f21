// Package types defines the shared types used across all dialvox packages.
//
// These types form the lingua franca between providers, the voice session,
// the dialer, and the persistence layer. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — received from the telephony
// gateway, fed to STT, produced by TTS, and framed back out to the gateway.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are determined by the pipeline config.
	Data []byte

	// SampleRate in Hz (e.g., 8000 for the telephony leg, 16000 for some providers).
	SampleRate int

	// Channels: 1 for mono (the telephony leg is always mono).
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Language is the BCP-47 tag detected for this utterance, when the provider
	// reports one (e.g. "en", "hi"). Empty when detection is off.
	Language string

	// LanguageConfidence is the confidence of the language detection (0.0–1.0).
	LanguageConfidence float64

	// Words contains per-word detail when available (Deepgram).
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Speaker identifies which side of the call produced a transcript entry.
type Speaker string

const (
	// SpeakerUser is the called party.
	SpeakerUser Speaker = "user"

	// SpeakerAssistant is the AI agent.
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptEntry is one line of the durable call transcript. Entries are
// appended strictly in the order speech was observed; Seq is assigned by the
// owning voice session and is monotonic per call.
type TranscriptEntry struct {
	// Seq orders entries within a single call.
	Seq int

	// Speaker is who produced the text.
	Speaker Speaker

	// Text is the final transcript or synthesized reply text.
	Text string

	// Language is the BCP-47 tag active when the entry was recorded.
	Language string

	// Timestamp is when this entry was recorded.
	Timestamp time.Time
}

// LanguageSwitch records one mid-call change of the active conversation language.
type LanguageSwitch struct {
	// From is the language that was active before the switch.
	From string `json:"from"`

	// To is the newly active language.
	To string `json:"to"`

	// Confidence is the detection confidence that triggered the switch.
	Confidence float64 `json:"confidence"`

	// At is when the switch happened.
	At time.Time `json:"at"`
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// VoiceProfile describes a TTS voice configuration for an agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 tag this voice speaks, used by the per-language
	// voice table when the session switches languages mid-call.
	Language string

	// Stability and SimilarityBoost tune ElevenLabs-style voices (0.0–1.0).
	Stability       float64
	SimilarityBoost float64

	// ModelID overrides the provider's default synthesis model.
	ModelID string

	// Pitch, Pace and Loudness tune Sarvam-style voices. Zero means provider default.
	Pitch    float64
	Pace     float64
	Loudness float64
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of domain terms (product names, brand words).
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// VADEvent represents a voice-activity signal from a streaming STT provider.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0), when reported.
	Probability float64
}

// VADEventType enumerates voice-activity states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended (the provider's
	// utterance-end or endpointing signal).
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// CostBreakdown accumulates the per-call spend across every metered leg.
// All fields are additive; the session updates it as the call progresses.
type CostBreakdown struct {
	// TelephonySeconds is the provider-reported talk time.
	TelephonySeconds int `json:"telephonySeconds"`

	// STTSeconds is the audio duration submitted for transcription.
	STTSeconds float64 `json:"sttSeconds"`

	// LLMInputTokens and LLMOutputTokens count tokens across all turns.
	LLMInputTokens  int `json:"llmInputTokens"`
	LLMOutputTokens int `json:"llmOutputTokens"`

	// TTSCharacters counts characters sent for synthesis.
	TTSCharacters int `json:"ttsCharacters"`
}
