// Package sarvam provides a Sarvam-backed STT provider using the Sarvam
// streaming WebSocket API (saarika models). It implements the stt.Provider
// interface and is the preferred backend for Indian-language campaigns.
package sarvam

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/types"
)

const (
	sarvamEndpoint    = "wss://api.sarvam.ai/speech-to-text/ws"
	defaultModel      = "saarika:v2.5"
	defaultLanguage   = "hi-IN"
	defaultSampleRate = 8000
)

// Option is a functional option for configuring the Sarvam Provider.
type Option func(*Provider)

// WithModel sets the saarika model variant (e.g., "saarika:v2.5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language code (e.g., "hi-IN", "ta-IN").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider backed by the Sarvam streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
}

// New creates a new Sarvam Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("sarvam: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Sarvam.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("sarvam: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("api-subscription-key", p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("sarvam: dial: %w", err)
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	sess := &session{
		conn:       conn,
		sampleRate: sr,
		finals:     make(chan types.Transcript, 64),
		partials:   make(chan types.Transcript),
		events:     make(chan types.VADEvent, 16),
		audio:      make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	// Saarika streaming has no interim results; the partials channel exists
	// to satisfy the interface and is closed with the session.

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Sarvam streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(sarvamEndpoint)
	if err != nil {
		return "", err
	}

	lang := regionCode(cfg.Language)
	if lang == "" {
		lang = p.language
	}
	if cfg.DetectLanguage {
		// "unknown" asks saarika to identify the language per utterance.
		lang = "unknown"
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language-code", lang)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// regionCode expands a bare BCP-47 primary tag into the regional code Sarvam
// expects ("hi" → "hi-IN"). Codes that already carry a region pass through.
func regionCode(lang string) string {
	if lang == "" || strings.Contains(lang, "-") {
		return lang
	}
	return lang + "-IN"
}

// ---- session ----

// audioMessage is the JSON envelope for a client audio frame.
type audioMessage struct {
	Audio audioPayload `json:"audio"`
}

type audioPayload struct {
	Data       string `json:"data"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// dataResponse is the JSON structure returned by Sarvam for a data event.
type dataResponse struct {
	Type string `json:"type"`
	Data struct {
		RequestID    string  `json:"request_id"`
		Transcript   string  `json:"transcript"`
		LanguageCode string  `json:"language_code"`
		Confidence   float64 `json:"confidence"`
	} `json:"data"`
}

// session is a live Sarvam streaming session. It implements stt.SessionHandle.
type session struct {
	conn       *websocket.Conn
	sampleRate int
	finals     chan types.Transcript
	partials   chan types.Transcript
	events     chan types.VADEvent
	audio      chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Sarvam.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("sarvam: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("sarvam: session is closed")
	}
}

// Partials returns the (always empty) channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// Events returns the channel of voice-activity events.
func (s *session) Events() <-chan types.VADEvent { return s.events }

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"event":"end"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel, wraps chunks in the Sarvam JSON
// envelope, and sends them as text messages.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.writeChunk(ctx, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.writeChunk(ctx, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *session) writeChunk(ctx context.Context, chunk []byte) error {
	msg, err := json.Marshal(audioMessage{
		Audio: audioPayload{
			Data:       base64.StdEncoding.EncodeToString(chunk),
			Encoding:   "audio/x-raw",
			SampleRate: s.sampleRate,
		},
	})
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, msg)
}

// readLoop receives JSON messages from Sarvam and dispatches transcripts.
// Saarika finalizes a chunk when it detects a pause, so each data event is
// delivered as a final followed by an end-of-speech signal.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.finals)
	defer close(s.partials)
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseResponse(msg)
		if !ok {
			continue
		}

		select {
		case s.finals <- t:
		case <-s.done:
			return
		}
		select {
		case s.events <- types.VADEvent{Type: types.VADSpeechEnd}:
		case <-s.done:
			return
		}
	}
}

// parseResponse parses a raw Sarvam WebSocket message into a Transcript.
// Returns (zero, false) for non-data messages and empty transcripts.
func parseResponse(data []byte) (types.Transcript, bool) {
	var resp dataResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, false
	}
	if resp.Type != "data" || resp.Data.Transcript == "" {
		return types.Transcript{}, false
	}

	conf := resp.Data.Confidence
	if conf == 0 {
		// Saarika omits confidence on some models; treat committed text as confident.
		conf = 1
	}

	t := types.Transcript{
		Text:       resp.Data.Transcript,
		IsFinal:    true,
		Confidence: conf,
	}
	if lc := resp.Data.LanguageCode; lc != "" && lc != "unknown" {
		t.Language = primaryTag(lc)
		t.LanguageConfidence = conf
	}
	return t, true
}

// primaryTag reduces a regional code to its primary BCP-47 tag ("hi-IN" → "hi").
func primaryTag(code string) string {
	if i := strings.IndexByte(code, '-'); i > 0 {
		return code[:i]
	}
	return code
}
