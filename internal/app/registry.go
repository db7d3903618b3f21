package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dialvox/dialvox/internal/api"
	"github.com/dialvox/dialvox/internal/campaign"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/reconcile"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/voice"
	"github.com/dialvox/dialvox/pkg/knowledge"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/provider/tts"
)

var (
	// ErrAlreadyAttached is returned when a session already has a live
	// media stream on this instance. The gateway occasionally reconnects
	// a stream before the old socket is torn down; the second attach
	// loses.
	ErrAlreadyAttached = errors.New("registry: session already attached")

	// ErrDraining is returned for attaches that arrive after shutdown
	// began.
	ErrDraining = errors.New("registry: draining, not accepting streams")
)

// RegistryDeps are the collaborators a [Registry] needs. The provider
// fields mirror the voice pipeline's recognizer ladder; nil entries
// disable that rung for every session.
type RegistryDeps struct {
	Sessions store.SessionStore
	Agents   store.AgentStore

	// Calls is a getter because the orchestrator is constructed after
	// the registry: the registry is the orchestrator's stream closer.
	Calls func() voice.CallEnder

	// Pool is the shared streaming-STT pool. It is an interface so a
	// missing pool stays a nil interface.
	Pool    voice.STTPool
	Sarvam  stt.Provider
	Whisper stt.Provider

	LLM       llm.Provider
	TTS       tts.Provider
	Retriever knowledge.Retriever

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// SessionOptions apply to every session. Tests shrink the turn
	// timers through these.
	SessionOptions []voice.Option
}

// Registry tracks the live voice sessions of this process. The API layer
// attaches connected gateway streams; the dispatcher, the orchestrator,
// and the stuck-call monitor close them by session id. All exported
// methods are safe for concurrent use.
type Registry struct {
	deps   RegistryDeps
	logger *slog.Logger

	mu       sync.Mutex
	live     map[string]*voice.Session
	draining bool
}

// Compile-time checks: the registry is the one stream surface every
// subsystem shares.
var (
	_ api.VoiceAttacher      = (*Registry)(nil)
	_ campaign.SessionCloser = (*Registry)(nil)
	_ dialer.StreamCloser    = (*Registry)(nil)
	_ reconcile.StreamCloser = (*Registry)(nil)
)

// NewRegistry creates an empty session registry.
func NewRegistry(deps RegistryDeps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		deps:   deps,
		logger: logger.With("component", "registry"),
		live:   make(map[string]*voice.Session),
	}
}

// Attach runs the voice pipeline over a connected gateway stream and
// returns when the call ends. The session must exist and must not be in
// a terminal state; a session can have at most one live stream per
// process.
func (r *Registry) Attach(ctx context.Context, sessionID string, transport voice.Transport) error {
	call, err := r.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("registry: session %s: %w", sessionID, err)
	}
	if call.Status.Terminal() {
		return fmt.Errorf("registry: session %s is already %s", sessionID, call.Status)
	}
	agent, err := r.deps.Agents.GetAgent(ctx, call.AgentID)
	if err != nil {
		return fmt.Errorf("registry: agent for session %s: %w", sessionID, err)
	}

	sess := voice.NewSession(call, agent, transport, voice.Deps{
		Sessions:  r.deps.Sessions,
		Calls:     r.deps.Calls(),
		Sarvam:    r.deps.Sarvam,
		Deepgram:  r.deps.Pool,
		Whisper:   r.deps.Whisper,
		LLM:       r.deps.LLM,
		TTS:       r.deps.TTS,
		Retriever: r.deps.Retriever,
		Logger:    r.deps.Logger,
	}, r.deps.SessionOptions...)

	if err := r.add(sessionID, sess); err != nil {
		return err
	}
	r.logger.Info("stream attached",
		"session_id", sessionID,
		"campaign_id", call.CampaignID,
		"agent_id", call.AgentID,
	)
	if m := r.deps.Metrics; m != nil {
		m.ActiveCalls.Add(ctx, 1)
	}
	defer func() {
		r.remove(sessionID)
		if m := r.deps.Metrics; m != nil {
			m.ActiveCalls.Add(context.Background(), -1)
		}
		r.logger.Info("stream detached", "session_id", sessionID)
	}()

	return sess.Run(ctx)
}

// CloseSession stops the session's live stream and waits for the pipeline
// to finish. A session with no live stream on this process is not an
// error: the call may never have connected media, or it lives on another
// instance.
func (r *Registry) CloseSession(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	sess, ok := r.live[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	sess.Stop(reason)
	select {
	case <-sess.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry: close session %s: %w", sessionID, ctx.Err())
	}
}

// Len reports the number of live sessions on this process.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Drain stops every live session and waits for each pipeline to finish or
// ctx to expire. Attaches arriving after Drain starts are refused with
// [ErrDraining].
func (r *Registry) Drain(ctx context.Context, reason string) error {
	r.mu.Lock()
	r.draining = true
	live := make([]*voice.Session, 0, len(r.live))
	for _, sess := range r.live {
		live = append(live, sess)
	}
	r.mu.Unlock()

	for _, sess := range live {
		sess.Stop(reason)
	}
	for _, sess := range live {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return fmt.Errorf("registry: drain: %w", ctx.Err())
		}
	}
	return nil
}

func (r *Registry) add(sessionID string, sess *voice.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	if _, ok := r.live[sessionID]; ok {
		return ErrAlreadyAttached
	}
	r.live[sessionID] = sess
	return nil
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, sessionID)
}
