// Package voice runs the real-time conversation pipeline for one phone call:
// gateway frames in, STT, LLM, TTS, frames back out. One Session per call,
// one goroutine for its turn loop. Everything the loop owns is mutated only
// by the loop; the single in-flight speak goroutine hands results back over
// a channel.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/telephony"
	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/knowledge"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/provider/stt"
	"github.com/dialvox/dialvox/pkg/provider/tts"
	"github.com/dialvox/dialvox/pkg/types"
)

// Turn loop timing. The debounce covers providers whose utterance-end event
// is unreliable, the hard cap bounds a turn under continuous speech, and the
// cooldown swallows acoustic echo of the assistant's own voice.
const (
	DefaultDebounce = 1000 * time.Millisecond
	DefaultHardCap  = 8000 * time.Millisecond
	DefaultCooldown = 1500 * time.Millisecond
)

// DefaultGoodbye and DefaultApology are spoken when the agent has no
// configured alternative.
const (
	DefaultGoodbye = "Thank you for your time. Goodbye."
	DefaultApology = "Sorry, I am having trouble on my end. Could you say that again?"
)

const (
	// startTimeout bounds the wait for the gateway's start event after the
	// stream connects.
	startTimeout = 10 * time.Second

	// persistTimeout and endTimeout bound store writes that happen off the
	// call's own context.
	persistTimeout = 5 * time.Second
	endTimeout     = 5 * time.Second

	// earlyMinWords is the partial-transcript length that triggers the
	// speculative LLM run.
	earlyMinWords = 3

	// maxTurnAudioBytes caps the per-turn replay buffer used for the batch
	// STT fallback: 10 s at 8 kHz 16-bit mono.
	maxTurnAudioBytes = 160000

	// closeNormal is the stream close code for an orderly hangup.
	closeNormal = 1000
)

// Transport carries gateway stream events both ways. The api package's
// socket handler implements it; tests use an in-memory fake.
type Transport interface {
	// Events yields inbound gateway events. The channel closes when the
	// peer disconnects.
	Events() <-chan *telephony.StreamEvent

	// Send writes one outbound event to the gateway.
	Send(ctx context.Context, ev *telephony.StreamEvent) error

	// Close ends the stream with a close code and reason.
	Close(code int, reason string) error
}

// CallEnder finalizes the call record once the session decides the call is
// over. *dialer.Orchestrator implements it; MarkEnded is idempotent, so the
// session racing a telephony status webhook is harmless.
type CallEnder interface {
	MarkEnded(ctx context.Context, sessionID string, status store.SessionStatus, reason string) (bool, error)
}

// STTPool leases pooled streaming recognizers keyed by client id.
// *sttpool.Pool implements it.
type STTPool interface {
	Acquire(ctx context.Context, clientID string, cfg stt.StreamConfig) (stt.SessionHandle, error)
	Release(clientID string) error
}

// Deps wires a Session into the rest of the engine. The three recognizer
// fields form the selection matrix; any of them may be nil when that
// provider is not configured, and selection falls through to the next.
type Deps struct {
	Sessions store.SessionStore
	Calls    CallEnder

	// Sarvam handles Indian-language streaming recognition.
	Sarvam stt.Provider
	// Deepgram is the pooled default streaming recognizer.
	Deepgram STTPool
	// Whisper is the batch fallback when no streaming recognizer is up.
	Whisper stt.Provider

	LLM llm.Provider
	TTS tts.Provider

	// Retriever is the knowledge base; nil disables RAG regardless of the
	// agent flag.
	Retriever knowledge.Retriever

	Logger *slog.Logger
}

// Option tunes a Session. Production code runs the defaults; tests shrink
// the timers.
type Option func(*Session)

// WithDebounce overrides the final-transcript debounce.
func WithDebounce(d time.Duration) Option { return func(s *Session) { s.debounce = d } }

// WithHardCap overrides the continuous-speech hard cap.
func WithHardCap(d time.Duration) Option { return func(s *Session) { s.hardCap = d } }

// WithCooldown overrides the post-reply echo suppression window.
func WithCooldown(d time.Duration) Option { return func(s *Session) { s.cooldown = d } }

// WithGoodbye sets the text spoken when an end-call phrase fires.
func WithGoodbye(text string) Option { return func(s *Session) { s.goodbye = text } }

// WithApology sets the text spoken when generation or synthesis fails.
func WithApology(text string) Option { return func(s *Session) { s.apology = text } }

// sessionState is where the turn loop currently is.
type sessionState int

const (
	stateListening sessionState = iota
	stateAccumulating
	stateSpeaking
	stateCooldown
)

// turnState accumulates one user utterance.
type turnState struct {
	partial   string
	finals    []string
	audio     []byte // replay buffer for the batch fallback
	startedAt time.Time
}

// sttLease is the currently held recognizer plus how to give it back.
type sttLease struct {
	handle  stt.SessionHandle
	release func() error
	batch   bool
	name    string
}

type stopRequest struct {
	status store.SessionStatus
	reason string
}

// Session drives one call. Create with NewSession, run with Run; all other
// exported methods are safe from any goroutine.
type Session struct {
	id        string
	call      *store.CallSession
	agent     *store.Agent
	transport Transport
	deps      Deps
	log       *slog.Logger

	debounce time.Duration
	hardCap  time.Duration
	cooldown time.Duration
	goodbye  string
	apology  string

	now func() time.Time

	stopCh   chan stopRequest
	done     chan struct{}
	loopDone chan struct{}
	termOnce sync.Once

	// Everything below is owned by the Run goroutine. The speak goroutine
	// reads s.seq and the deps, sequenced through launch and speakDone.
	baseCtx     context.Context
	speakCtx    context.Context
	speakCancel context.CancelFunc
	speakDone   chan speakResult

	state      sessionState
	streamSID  string
	seq        int
	started    time.Time
	lease      *sttLease
	partialsCh <-chan types.Transcript
	finalsCh   <-chan types.Transcript
	eventsCh   <-chan types.VADEvent

	turn    turnState
	early   *earlyRun
	history []types.Message
	nextSeq int

	voice   types.VoiceProfile
	lang    *languageTracker
	vmail   *voicemailDetector
	phrases *phraseMatcher

	inApology     bool
	pendingStop   bool
	pendingStatus store.SessionStatus
	pendingReason string

	sttBytes int64
	cost     types.CostBreakdown

	debounceT *time.Timer
	hardCapT  *time.Timer
	cooldownT *time.Timer
}

// NewSession builds a session for one call. The agent decides language,
// prompt, providers, and voices; the transport is the already-accepted
// gateway stream.
func NewSession(call *store.CallSession, agent *store.Agent, transport Transport, deps Deps, opts ...Option) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:        call.ID,
		call:      call,
		agent:     agent,
		transport: transport,
		deps:      deps,
		log:       logger.With("component", "voice", "session_id", call.ID),

		debounce: DefaultDebounce,
		hardCap:  DefaultHardCap,
		cooldown: DefaultCooldown,
		goodbye:  DefaultGoodbye,
		apology:  DefaultApology,
		now:      time.Now,

		stopCh:    make(chan stopRequest, 1),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		speakDone: make(chan speakResult, 1),

		state:   stateListening,
		voice:   agent.VoiceFor(agent.Language),
		lang:    newLanguageTracker(agent.Language),
		phrases: newPhraseMatcher(agent.EndCallPhrases),

		debounceT: newStoppedTimer(),
		hardCapT:  newStoppedTimer(),
		cooldownT: newStoppedTimer(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Done is closed once the session has fully terminated, including the call
// record write.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop asks the session to wind down without a goodbye. It returns
// immediately; Done reports completion.
func (s *Session) Stop(reason string) {
	select {
	case s.stopCh <- stopRequest{status: store.SessionUserEnded, reason: reason}:
	case <-s.done:
	default:
	}
}

var errStopped = errors.New("voice: session stopped")

// ─── Run loop ─────────────────────────────────────────────────────────────────

// Run drives the call until a terminal condition. It always finalizes the
// call record before returning.
func (s *Session) Run(ctx context.Context) error {
	s.baseCtx = ctx
	s.speakCtx, s.speakCancel = context.WithCancel(ctx)
	defer s.speakCancel()
	defer close(s.loopDone)

	if err := s.awaitStart(ctx); err != nil {
		if errors.Is(err, errStopped) {
			return nil
		}
		s.terminate(ctx, store.SessionFailed, "no media stream")
		return err
	}
	s.markConnected(ctx)
	s.vmail = newVoicemailDetector(s.agent.Voicemail, s.started)

	if err := s.openSTT(ctx); err != nil {
		s.log.Error("no recognizer available", "error", err)
		s.terminate(ctx, store.SessionFailed, "stt unavailable")
		return err
	}

	// The greeting is launched before the first select so the callee hears
	// the agent immediately; the loop keeps consuming inbound events while
	// it plays, which is what lets voicemail screening run during overlap
	// with an answering machine's own greeting.
	if msg := strings.TrimSpace(s.agent.FirstMessage); msg != "" {
		s.launchSpeak(speakJob{
			kind:     speakGreeting,
			text:     msg,
			replySeq: s.takeSeq(),
			voice:    s.voice,
			language: s.lang.Current(),
			markName: "greeting",
		})
	}

	for {
		select {
		case <-ctx.Done():
			s.terminate(ctx, store.SessionCanceled, "server shutdown")
			return ctx.Err()

		case req := <-s.stopCh:
			s.terminate(ctx, req.status, req.reason)
			return nil

		case ev, ok := <-s.transport.Events():
			if !ok {
				s.terminate(ctx, store.SessionUserEnded, "stream closed")
				return nil
			}
			if s.handleTransport(ctx, ev) {
				return nil
			}

		case tr, ok := <-s.partialsCh:
			if !ok {
				s.partialsCh = nil
				continue
			}
			s.handlePartial(tr)

		case tr, ok := <-s.finalsCh:
			if !ok {
				if !s.switchToBatch(ctx) {
					return nil
				}
				continue
			}
			if s.handleFinal(ctx, tr) {
				return nil
			}

		case evt, ok := <-s.eventsCh:
			if !ok {
				s.eventsCh = nil
				continue
			}
			if evt.Type == types.VADSpeechEnd && s.state == stateAccumulating && len(s.turn.finals) > 0 {
				s.finalizeTurn()
			}

		case <-s.debounceT.C:
			s.finalizeTurn()

		case <-s.hardCapT.C:
			s.finalizeTurn()

		case <-s.cooldownT.C:
			if s.state == stateCooldown {
				s.state = stateListening
			}

		case res := <-s.speakDone:
			if s.handleSpeakDone(ctx, res) {
				return nil
			}
		}
	}
}

// awaitStart blocks until the gateway announces the stream. Everything else
// about the call hangs off the stream sid it carries.
func (s *Session) awaitStart(ctx context.Context) error {
	t := time.NewTimer(startTimeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.terminate(ctx, store.SessionCanceled, "server shutdown")
			return errStopped
		case req := <-s.stopCh:
			s.terminate(ctx, req.status, req.reason)
			return errStopped
		case <-t.C:
			return errors.New("voice: start event timeout")
		case ev, ok := <-s.transport.Events():
			if !ok {
				return errors.New("voice: stream closed before start")
			}
			if ev.Event == telephony.EventStart {
				s.streamSID = ev.StreamSID
				s.started = s.now()
				s.log.Info("media stream started", "stream_sid", s.streamSID)
				return nil
			}
		}
	}
}

func (s *Session) markConnected(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if _, err := s.deps.Sessions.MarkConnected(pctx, s.id, s.started); err != nil {
		s.log.Warn("mark connected failed", "error", err)
	}
}

// ─── STT selection ────────────────────────────────────────────────────────────

func (s *Session) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:     audio.TelephonyRate,
		Channels:       1,
		Language:       s.lang.Current(),
		DetectLanguage: s.agent.AutoDetectLanguage,
	}
}

// openSTT walks the selection matrix: Sarvam for Indian languages when the
// agent asks for it, the pooled streaming recognizer otherwise, batch as the
// last resort. A failed rung falls through to the next.
func (s *Session) openSTT(ctx context.Context) error {
	cfg := s.streamConfig()

	if s.agent.STTProvider == "sarvam" && isIndianLanguage(s.agent.Language) && s.deps.Sarvam != nil {
		h, err := s.deps.Sarvam.StartStream(ctx, cfg)
		if err == nil {
			s.setLease(&sttLease{handle: h, release: h.Close, name: "sarvam"})
			return nil
		}
		s.log.Warn("sarvam stream failed, trying pool", "error", err)
	}

	if s.deps.Deepgram != nil {
		h, err := s.deps.Deepgram.Acquire(ctx, s.id, cfg)
		if err == nil {
			release := func() error { return s.deps.Deepgram.Release(s.id) }
			s.setLease(&sttLease{handle: h, release: release, name: "deepgram"})
			return nil
		}
		s.log.Warn("recognizer pool unavailable, trying batch", "error", err)
	}

	return s.startBatch(ctx, cfg)
}

func (s *Session) startBatch(ctx context.Context, cfg stt.StreamConfig) error {
	if s.deps.Whisper == nil {
		return errors.New("voice: no batch recognizer configured")
	}
	h, err := s.deps.Whisper.StartStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("voice: batch recognizer: %w", err)
	}
	s.setLease(&sttLease{handle: h, release: h.Close, batch: true, name: "whisper"})
	return nil
}

func (s *Session) setLease(l *sttLease) {
	s.lease = l
	s.partialsCh = l.handle.Partials()
	s.finalsCh = l.handle.Finals()
	s.eventsCh = l.handle.Events()
	s.log.Info("recognizer attached", "recognizer", l.name, "batch", l.batch)
}

func (s *Session) releaseLease() {
	if s.lease == nil {
		return
	}
	if err := s.lease.release(); err != nil {
		s.log.Warn("recognizer release failed", "recognizer", s.lease.name, "error", err)
	}
	s.lease = nil
	s.partialsCh = nil
	s.finalsCh = nil
	s.eventsCh = nil
}

// switchToBatch replaces a broken streaming recognizer with the batch one
// and replays the buffered turn so the utterance in flight is not lost.
// Returns false when the session had to terminate instead.
func (s *Session) switchToBatch(ctx context.Context) bool {
	if s.lease == nil || s.lease.batch {
		s.terminate(ctx, store.SessionFailed, "stt unavailable")
		return false
	}
	s.log.Warn("recognizer lost, switching to batch", "from", s.lease.name)
	s.releaseLease()
	if err := s.startBatch(ctx, s.streamConfig()); err != nil {
		s.log.Error("batch fallback failed", "error", err)
		s.terminate(ctx, store.SessionFailed, "stt unavailable")
		return false
	}
	if len(s.turn.audio) > 0 {
		if err := s.lease.handle.SendAudio(s.turn.audio); err != nil {
			s.log.Warn("turn replay failed", "error", err)
		}
	}
	return true
}

// ─── Inbound events ───────────────────────────────────────────────────────────

// handleTransport processes one gateway event. Returns true when the session
// terminated.
func (s *Session) handleTransport(ctx context.Context, ev *telephony.StreamEvent) bool {
	switch ev.Event {
	case telephony.EventMedia:
		pcm, err := ev.PCM()
		if err != nil {
			s.log.Debug("bad media payload", "error", err)
			return false
		}
		return s.feedAudio(ctx, pcm)
	case telephony.EventStop:
		s.terminate(ctx, store.SessionUserEnded, "stream closed")
		return true
	case telephony.EventMark:
		// Playback acknowledgements carry no state for v1; the cooldown
		// timer approximates end of playback instead.
	}
	return false
}

// feedAudio forwards caller PCM to the recognizer and keeps the replay
// buffer current. Returns true when a failed recognizer could not be
// replaced.
func (s *Session) feedAudio(ctx context.Context, pcm []byte) bool {
	if s.lease == nil || len(pcm) == 0 {
		return false
	}
	s.sttBytes += int64(len(pcm))
	s.bufferTurnAudio(pcm)
	if err := s.lease.handle.SendAudio(pcm); err != nil {
		s.log.Warn("recognizer rejected audio", "recognizer", s.lease.name, "error", err)
		return !s.switchToBatch(ctx)
	}
	return false
}

func (s *Session) bufferTurnAudio(pcm []byte) {
	s.turn.audio = append(s.turn.audio, pcm...)
	if over := len(s.turn.audio) - maxTurnAudioBytes; over > 0 {
		s.turn.audio = append(s.turn.audio[:0], s.turn.audio[over:]...)
	}
}

// handlePartial updates the utterance in progress and may fire the
// speculative LLM run.
func (s *Session) handlePartial(tr types.Transcript) {
	text := strings.TrimSpace(tr.Text)
	if text == "" || s.state == stateSpeaking || s.state == stateCooldown {
		return
	}
	if s.state == stateListening {
		s.state = stateAccumulating
		s.turn.startedAt = s.now()
		s.resetTimer(s.hardCapT, s.hardCap)
	}
	s.turn.partial = text

	if s.early == nil && len(strings.Fields(text)) >= earlyMinWords {
		system := composeSystemPrompt(s.agent, "", s.lang.Current())
		req := buildRequest(s.agent, s.deps.LLM, system, s.history, text)
		s.early = launchEarly(s.speakCtx, s.deps.LLM, req, text)
		s.log.Debug("early completion launched", "words", len(strings.Fields(text)))
	}
}

// handleFinal runs the per-final checks in priority order: voicemail
// screening, barge-in suppression, end-call phrases, language tracking, then
// turn accumulation. Returns true when the session terminated.
func (s *Session) handleFinal(ctx context.Context, tr types.Transcript) bool {
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return false
	}
	// Provider timestamps are relative to session start; a final that sat in
	// a queue still scores at the moment it was spoken.
	at := s.now()
	if tr.Timestamp > 0 && !s.started.IsZero() {
		at = s.started.Add(tr.Timestamp)
	}

	// Voicemail screening is not a turn side effect; it runs even while the
	// greeting is still playing, because answering machines talk over it.
	if s.vmail != nil {
		if conf, hit := s.vmail.Check(text, at); hit {
			s.log.Info("voicemail detected", "confidence", conf, "text", text)
			s.terminate(ctx, store.SessionCompleted, "voicemail")
			return true
		}
	}

	if s.state == stateSpeaking || s.state == stateCooldown {
		s.log.Debug("final dropped during playback", "text", text)
		return false
	}

	if s.phrases != nil {
		if phrase, ok := s.phrases.Match(text); ok {
			s.log.Info("end call phrase matched", "phrase", phrase)
			s.sayGoodbye(text)
			return false
		}
	}

	if s.agent.AutoDetectLanguage {
		if sw, ok := s.lang.Observe(tr.Language, tr.LanguageConfidence, at); ok {
			s.log.Info("language switched", "from", sw.From, "to", sw.To, "confidence", sw.Confidence)
			s.journalSwitch(ctx, sw)
			s.voice = s.agent.VoiceFor(sw.To)
		}
	}

	if s.state == stateListening {
		s.state = stateAccumulating
		s.turn.startedAt = at
		s.resetTimer(s.hardCapT, s.hardCap)
	}
	s.turn.finals = append(s.turn.finals, text)
	s.resetTimer(s.debounceT, s.debounce)
	return false
}

func (s *Session) journalSwitch(ctx context.Context, sw types.LanguageSwitch) {
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := s.deps.Sessions.AppendLanguageSwitch(pctx, s.id, sw); err != nil {
		s.log.Warn("language switch journal failed", "error", err)
	}
}

// sayGoodbye queues the goodbye and arms termination for when it finishes.
// The matched utterance, and anything accumulated before it, still lands in
// the transcript.
func (s *Session) sayGoodbye(text string) {
	s.pendingStop = true
	s.pendingStatus = store.SessionAgentEnded
	s.pendingReason = "end call phrase"

	full := strings.Join(append(s.turn.finals, text), " ")
	user := s.userEntry(full)
	s.abandonEarly()
	s.clearTurn()
	s.launchSpeak(speakJob{
		kind:     speakGoodbye,
		text:     s.goodbye,
		user:     user,
		replySeq: s.takeSeq(),
		voice:    s.voice,
		language: s.lang.Current(),
		markName: "goodbye",
	})
}

// ─── Turn finalization ────────────────────────────────────────────────────────

// finalizeTurn closes the accumulating utterance and starts the reply. An
// utterance with no finals produces nothing to answer; a late final will
// open a fresh turn.
func (s *Session) finalizeTurn() {
	if s.state != stateAccumulating {
		return
	}
	s.stopTimer(s.debounceT)
	s.stopTimer(s.hardCapT)

	text := strings.TrimSpace(strings.Join(s.turn.finals, " "))
	if text == "" {
		s.abandonEarly()
		s.clearTurn()
		s.state = stateListening
		return
	}

	user := s.userEntry(text)
	history := append([]types.Message(nil), s.history...)
	s.history = append(s.history, types.Message{Role: "user", Content: text})

	job := speakJob{
		kind:     speakReply,
		user:     user,
		userText: text,
		history:  history,
		useRAG:   s.agent.RAGEnabled && s.deps.Retriever != nil && looksLikeQuery(text),
		replySeq: s.takeSeq(),
		voice:    s.voice,
		language: s.lang.Current(),
		markName: fmt.Sprintf("reply-%d", user.Seq),
	}

	// Reuse the speculative run only when the final text still begins with
	// the partial it answered.
	if s.early != nil && earlyReusable(s.early.partial, text) {
		job.early = s.early
		s.early = nil
		s.log.Debug("early completion reused")
	} else {
		s.abandonEarly()
	}

	s.clearTurn()
	s.launchSpeak(job)
}

func (s *Session) launchSpeak(job speakJob) {
	s.state = stateSpeaking
	go s.speak(s.speakCtx, job)
}

// handleSpeakDone applies the outcome of a finished speak. Returns true when
// the session terminated.
func (s *Session) handleSpeakDone(ctx context.Context, res speakResult) bool {
	s.accumulateCost(res)

	if res.err != nil {
		var se *stageError
		if errors.As(res.err, &se) && se.stage == stageSend {
			s.log.Warn("frame send failed, ending call", "error", se.err)
			s.terminate(ctx, store.SessionFailed, "stream send failed")
			return true
		}
		if errors.Is(res.err, context.Canceled) {
			s.state = stateListening
			return false
		}
		s.log.Error("speak failed", "kind", int(res.kind), "error", res.err)
		if s.pendingStop {
			s.terminate(ctx, s.pendingStatus, s.pendingReason)
			return true
		}
		if res.kind != speakApology && !s.inApology {
			s.inApology = true
			s.launchSpeak(speakJob{
				kind:     speakApology,
				text:     s.apology,
				replySeq: s.takeSeq(),
				voice:    s.voice,
				language: s.lang.Current(),
				markName: "apology",
			})
			return false
		}
		// The apology itself failed; back to listening and hope the next
		// turn fares better.
		s.inApology = false
		s.state = stateListening
		return false
	}

	s.inApology = false
	// Replies and the greeting are part of the conversation the model must
	// see; apologies and goodbyes are not worth a history slot.
	if (res.kind == speakReply || res.kind == speakGreeting) && res.text != "" {
		s.history = append(s.history, types.Message{Role: "assistant", Content: res.text})
	}
	s.log.Debug("speak finished", "kind", int(res.kind), "sentences", res.sentences, "chars", res.ttsChars)

	if s.pendingStop {
		s.terminate(ctx, s.pendingStatus, s.pendingReason)
		return true
	}

	s.state = stateCooldown
	s.resetTimer(s.cooldownT, s.cooldown)
	return false
}

func (s *Session) accumulateCost(res speakResult) {
	s.cost.LLMInputTokens += res.usage.PromptTokens
	s.cost.LLMOutputTokens += res.usage.CompletionTokens
	s.cost.TTSCharacters += res.ttsChars
}

// ─── Termination ──────────────────────────────────────────────────────────────

// terminate runs the teardown ladder exactly once: cancel in-flight work,
// release the recognizer, write cost, finalize the call record (which
// force-releases the slot and queues the summarizer), close the stream.
func (s *Session) terminate(ctx context.Context, status store.SessionStatus, reason string) {
	s.termOnce.Do(func() {
		s.log.Info("session ending", "status", string(status), "reason", reason)
		s.speakCancel()
		s.abandonEarly()
		s.stopTimer(s.debounceT)
		s.stopTimer(s.hardCapT)
		s.stopTimer(s.cooldownT)
		s.releaseLease()

		end, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
		defer cancel()

		s.writeCost(end)
		if _, err := s.deps.Calls.MarkEnded(end, s.id, status, reason); err != nil {
			s.log.Error("call finalization failed", "status", string(status), "error", err)
		}
		if err := s.transport.Close(closeNormal, reason); err != nil {
			s.log.Debug("stream close failed", "error", err)
		}
		close(s.done)
	})
}

func (s *Session) writeCost(ctx context.Context) {
	if !s.started.IsZero() {
		s.cost.TelephonySeconds = int(s.now().Sub(s.started).Seconds())
	}
	// 16-bit mono at the telephony rate: two bytes per sample.
	s.cost.STTSeconds = float64(s.sttBytes) / float64(audio.TelephonyRate*2)
	if err := s.deps.Sessions.UpdateSessionCost(ctx, s.id, s.cost); err != nil {
		s.log.Warn("cost write failed", "error", err)
	}
}

// ─── Small helpers ────────────────────────────────────────────────────────────

func (s *Session) userEntry(text string) *types.TranscriptEntry {
	return &types.TranscriptEntry{
		Seq:       s.takeSeq(),
		Speaker:   types.SpeakerUser,
		Text:      text,
		Language:  s.lang.Current(),
		Timestamp: s.now(),
	}
}

func (s *Session) takeSeq() int {
	n := s.nextSeq
	s.nextSeq++
	return n
}

func (s *Session) clearTurn() {
	s.turn = turnState{}
}

func (s *Session) abandonEarly() {
	if s.early != nil {
		s.early.cancel()
		s.early = nil
	}
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func (s *Session) resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (s *Session) stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
