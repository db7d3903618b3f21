package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// Voice-stream event names. All events are JSON objects keyed by stream_sid;
// the gateway sends start/media/stop, the server sends media/mark.
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
	EventMark  = "mark"
)

// StreamEvent is one frame of the bidirectional voice-stream protocol.
type StreamEvent struct {
	Event     string `json:"event"`
	StreamSID string `json:"stream_sid,omitempty"`

	// SequenceNumber orders outbound media; strictly monotonic per call.
	SequenceNumber int `json:"sequence_number,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload opens a stream and binds it to a call.
type StartPayload struct {
	StreamSID string `json:"stream_sid"`
	CallSID   string `json:"callSid"`
}

// MediaPayload carries one chunk of base64 PCM (16-bit, 8 kHz, mono, LE).
// Track and Chunk are optional; some gateway versions omit them.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload closes a stream.
type StopPayload struct {
	StreamSID string `json:"stream_sid,omitempty"`
	CallSID   string `json:"callSid,omitempty"`
}

// MarkPayload is echoed back by the gateway once every media frame queued
// before it has been played out.
type MarkPayload struct {
	Name string `json:"name"`
}

// ParseStreamEvent decodes one wire message. Unknown event names are an
// error so protocol drift surfaces immediately.
func ParseStreamEvent(data []byte) (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("telephony: decode stream event: %w", err)
	}
	switch ev.Event {
	case EventStart, EventMedia, EventStop, EventMark:
	default:
		return nil, fmt.Errorf("telephony: unknown stream event %q", ev.Event)
	}
	if ev.Event == EventStart && ev.StreamSID == "" && ev.Start != nil {
		ev.StreamSID = ev.Start.StreamSID
	}
	return &ev, nil
}

// PCM decodes the media payload. Only valid on media events.
func (ev *StreamEvent) PCM() ([]byte, error) {
	if ev.Event != EventMedia || ev.Media == nil {
		return nil, fmt.Errorf("telephony: %s event carries no media", ev.Event)
	}
	pcm, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return pcm, nil
}

// NewMediaEvent builds an outbound media frame.
func NewMediaEvent(streamSID string, seq int, pcm []byte) *StreamEvent {
	return &StreamEvent{
		Event:          EventMedia,
		StreamSID:      streamSID,
		SequenceNumber: seq,
		Media: &MediaPayload{
			Chunk:   strconv.Itoa(seq),
			Payload: base64.StdEncoding.EncodeToString(pcm),
		},
	}
}

// NewMarkEvent builds a playback marker. The gateway echoes it back after
// the frames sent before it have played out.
func NewMarkEvent(streamSID, name string) *StreamEvent {
	return &StreamEvent{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
}

// Encode serialises the event for the wire.
func (ev *StreamEvent) Encode() ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("telephony: encode stream event: %w", err)
	}
	return data, nil
}
