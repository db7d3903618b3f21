// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// OpenAI synthesizes PCM at a fixed 24 kHz; chunks are resampled to the
// telephony rate before they are emitted so callers see the same format from
// every provider.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/provider/tts"
	"github.com/dialvox/dialvox/pkg/types"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

const (
	defaultVoice = "alloy"

	// nativeSampleRate is the only PCM rate the speech API produces.
	nativeSampleRate = 24000

	// readChunkBytes is 100 ms of 24 kHz mono PCM per read.
	readChunkBytes = 4800
)

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI speech Provider.
// If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// SynthesizeStream implements tts.Provider. Each text fragment becomes one
// speech request; response bodies are streamed, resampled to the telephony
// rate, and emitted as they arrive.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, 16)

	go func() {
		defer close(audioCh)
		conv := &audio.FormatConverter{Target: audio.Telephony}
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if strings.TrimSpace(fragment) == "" {
					continue
				}
				if err := p.speak(ctx, fragment, voice, conv, audioCh); err != nil {
					// A failed fragment is dropped; remaining fragments still
					// get their chance.
					continue
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// speak performs one speech request and streams the resampled PCM into out.
func (p *Provider) speak(ctx context.Context, text string, voice types.VoiceProfile, conv *audio.FormatConverter, out chan<- []byte) error {
	params := buildParams(text, voice, p.model)

	res, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai tts: speech: %w", err)
	}
	defer res.Body.Close()

	// int16 samples may split across reads; carry the odd byte forward.
	var carry []byte
	buf := make([]byte, readChunkBytes)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(chunk, carry...)
			chunk = append(chunk, buf[:n]...)
			carry = nil
			if len(chunk)%2 == 1 {
				carry = []byte{chunk[len(chunk)-1]}
				chunk = chunk[:len(chunk)-1]
			}
			if len(chunk) > 0 {
				frame := conv.Convert(audio.AudioFrame{
					Data:       chunk,
					SampleRate: nativeSampleRate,
					Channels:   1,
				})
				if len(frame.Data) > 0 {
					select {
					case out <- frame.Data:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return fmt.Errorf("openai tts: read stream: %w", readErr)
		}
	}
}

// buildParams maps a VoiceProfile onto the speech request parameters.
func buildParams(text string, voice types.VoiceProfile, model string) oai.AudioSpeechNewParams {
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = defaultVoice
	}
	if voice.ModelID != "" {
		model = voice.ModelID
	}
	params := oai.AudioSpeechNewParams{
		Model:          model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if voice.Pace > 0 {
		params.Speed = param.NewOpt(voice.Pace)
	}
	return params
}

// ListVoices returns the fixed OpenAI voice catalogue. The speech API has no
// list endpoint; the set is documented per model generation.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	names := []string{"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}
	profiles := make([]types.VoiceProfile, 0, len(names))
	for _, n := range names {
		profiles = append(profiles, types.VoiceProfile{
			ID:       n,
			Name:     strings.ToUpper(n[:1]) + n[1:],
			Provider: "openai",
			Language: "en",
			ModelID:  p.model,
		})
	}
	return profiles, nil
}
