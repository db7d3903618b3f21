// Package sarvam provides a Sarvam-backed TTS provider using the Sarvam
// text-to-speech HTTP API (bulbul models). It implements the tts.Provider
// interface and is the preferred voice for Indian-language campaigns.
package sarvam

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/provider/tts"
	"github.com/dialvox/dialvox/pkg/types"
)

const (
	ttsEndpoint     = "https://api.sarvam.ai/text-to-speech"
	defaultModel    = "bulbul:v2"
	defaultSpeaker  = "anushka"
	defaultLanguage = "hi-IN"

	// defaultSampleRate keeps synthesis at the telephony rate so output PCM
	// needs no resampling before framing.
	defaultSampleRate = 8000
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Sarvam Provider.
type Option func(*Provider)

// WithModel sets the bulbul model variant (e.g., "bulbul:v2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSampleRate sets the synthesis sample rate in Hz (8000, 16000, or 22050).
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithHTTPClient replaces the default HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides the API endpoint (used by tests).
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// Provider implements tts.Provider backed by the Sarvam HTTP API.
type Provider struct {
	apiKey     string
	model      string
	sampleRate int
	endpoint   string
	httpClient *http.Client
}

// New creates a new Sarvam Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("sarvam: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		endpoint:   ttsEndpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request/response types ----

// synthesizeRequest is the JSON body for POST /text-to-speech.
type synthesizeRequest struct {
	Inputs             []string `json:"inputs"`
	TargetLanguageCode string   `json:"target_language_code"`
	Speaker            string   `json:"speaker"`
	Model              string   `json:"model"`
	SpeechSampleRate   int      `json:"speech_sample_rate"`
	Pitch              float64  `json:"pitch,omitempty"`
	Pace               float64  `json:"pace,omitempty"`
	Loudness           float64  `json:"loudness,omitempty"`
}

// synthesizeResponse is the JSON body returned by the API. Each element of
// Audios is a base64-encoded WAV file corresponding to one input.
type synthesizeResponse struct {
	RequestID string   `json:"request_id"`
	Audios    []string `json:"audios"`
}

// SynthesizeStream consumes text fragments, synthesizes each one via the
// Sarvam HTTP API, and emits raw PCM chunks. Fragments are synthesized in
// order, one request per fragment, so sentence-level pipelining from the LLM
// stream maps directly onto API calls.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, 16)

	go func() {
		defer close(audioCh)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(fragment) == "" {
					continue
				}
				pcm, err := p.synthesize(ctx, fragment, voice)
				if err != nil || len(pcm) == 0 {
					// A failed fragment is dropped; the caller decides whether
					// the reply as a whole still stands.
					continue
				}
				select {
				case audioCh <- pcm:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// synthesize performs one POST /text-to-speech call and returns decoded PCM.
func (p *Provider) synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	body, err := json.Marshal(buildRequest(text, voice, p.model, p.sampleRate))
	if err != nil {
		return nil, fmt.Errorf("sarvam: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sarvam: create request: %w", err)
	}
	req.Header.Set("api-subscription-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sarvam: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sarvam: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sarvam: read response: %w", err)
	}

	var sr synthesizeResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("sarvam: parse response: %w", err)
	}
	if len(sr.Audios) == 0 {
		return nil, errors.New("sarvam: empty audios in response")
	}

	wav, err := base64.StdEncoding.DecodeString(sr.Audios[0])
	if err != nil {
		return nil, fmt.Errorf("sarvam: decode audio: %w", err)
	}

	// The API returns a WAV container; unwrap to bare PCM.
	if audio.IsWAV(wav) {
		frame, err := audio.DecodeWAV(wav)
		if err != nil {
			return nil, fmt.Errorf("sarvam: unwrap wav: %w", err)
		}
		return frame.Data, nil
	}
	return wav, nil
}

// buildRequest maps a VoiceProfile onto the Sarvam request body, applying
// defaults for unset fields.
func buildRequest(text string, voice types.VoiceProfile, model string, sampleRate int) synthesizeRequest {
	speaker := voice.ID
	if speaker == "" {
		speaker = defaultSpeaker
	}
	lang := regionCode(voice.Language)
	if lang == "" {
		lang = defaultLanguage
	}
	if voice.ModelID != "" {
		model = voice.ModelID
	}
	return synthesizeRequest{
		Inputs:             []string{text},
		TargetLanguageCode: lang,
		Speaker:            speaker,
		Model:              model,
		SpeechSampleRate:   sampleRate,
		Pitch:              voice.Pitch,
		Pace:               voice.Pace,
		Loudness:           voice.Loudness,
	}
}

// regionCode expands a bare BCP-47 primary tag into the regional code Sarvam
// expects ("hi" → "hi-IN"). Codes that already carry a region pass through.
func regionCode(lang string) string {
	if lang == "" || strings.Contains(lang, "-") {
		return lang
	}
	return lang + "-IN"
}

// ListVoices returns the bulbul speaker catalogue. Sarvam has no list
// endpoint; the catalogue is fixed per model generation.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	speakers := []struct {
		id, name string
	}{
		{"anushka", "Anushka"},
		{"abhilash", "Abhilash"},
		{"manisha", "Manisha"},
		{"vidya", "Vidya"},
		{"arya", "Arya"},
		{"karun", "Karun"},
		{"hitesh", "Hitesh"},
	}
	profiles := make([]types.VoiceProfile, 0, len(speakers))
	for _, s := range speakers {
		profiles = append(profiles, types.VoiceProfile{
			ID:       s.id,
			Name:     s.name,
			Provider: "sarvam",
			ModelID:  p.model,
		})
	}
	return profiles, nil
}
