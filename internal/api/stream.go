package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/dialvox/dialvox/internal/telephony"
	"github.com/dialvox/dialvox/internal/voice"
)

// handleVoiceStream upgrades the gateway's media connection and runs the
// voice session over it. The handler blocks for the life of the call; the
// session closes the transport when it terminates, and a peer disconnect
// surfaces to the session as a closed event channel.
func (s *Server) handleVoiceStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	log := s.logger.With("session_id", sessionID)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("voice stream upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	t := newWSTransport(conn)
	go t.readPump(r.Context(), log)

	if err := s.voice.Attach(r.Context(), sessionID, t); err != nil {
		log.Warn("voice stream rejected", "error", err)
		_ = t.Close(int(websocket.StatusPolicyViolation), "unknown session")
	}
}

// wsTransport adapts a gateway WebSocket to [voice.Transport]. The read pump
// owns the events channel; Send may be called from any goroutine.
type wsTransport struct {
	conn   *websocket.Conn
	events chan *telephony.StreamEvent

	// wmu serialises writers; the socket allows one concurrent writer.
	wmu sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{
		conn:   conn,
		events: make(chan *telephony.StreamEvent, 32),
	}
}

// Events yields inbound gateway events. Closed when the peer disconnects.
func (t *wsTransport) Events() <-chan *telephony.StreamEvent { return t.events }

// Send writes one outbound event as a text frame.
func (t *wsTransport) Send(ctx context.Context, ev *telephony.StreamEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close ends the stream with a close code and reason.
func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// readPump decodes inbound frames until the peer goes away or the request
// context ends, then closes the events channel. Malformed frames are dropped
// so one bad message cannot kill a live call.
func (t *wsTransport) readPump(ctx context.Context, log *slog.Logger) {
	defer close(t.events)
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return
		}
		ev, err := telephony.ParseStreamEvent(data)
		if err != nil {
			log.Debug("dropping malformed stream frame", "error", err)
			continue
		}
		select {
		case t.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Compile-time interface check.
var _ voice.Transport = (*wsTransport)(nil)
