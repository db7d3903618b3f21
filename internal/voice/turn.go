package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dialvox/dialvox/internal/telephony"
	"github.com/dialvox/dialvox/pkg/audio"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/types"
)

// minSentenceChars is the shortest text fragment handed to TTS. Splitting on
// every period produces choppy prosody; short openers ride along with the
// next sentence instead.
const minSentenceChars = 10

// Speak pipeline stages, for error tagging.
const (
	stageLLM  = "llm"
	stageTTS  = "tts"
	stageSend = "send"
)

// stageError tags a speak-pipeline failure with the stage that produced it
// so the turn loop can pick the right degradation path: send failures end
// the call, LLM and TTS failures degrade to an apology.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("voice: %s stage: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

// speakKind says why the assistant is talking. The loop treats the kinds
// differently when the speak finishes: replies enter cooldown, a goodbye
// ends the call, a failed apology is never retried with another apology.
type speakKind int

const (
	speakGreeting speakKind = iota
	speakReply
	speakApology
	speakGoodbye
)

// speakJob is one utterance the speak goroutine must deliver.
type speakJob struct {
	kind speakKind

	// text is pre-generated speech (greeting, goodbye, apology). When empty
	// the job generates: the early run if one is attached, otherwise a fresh
	// LLM stream built from userText and history.
	text string

	// early is a speculative generation already in flight; awaited before
	// synthesis. When it failed, a fresh stream runs instead.
	early *earlyRun

	// userText and history are the inputs for a fresh generation. history
	// excludes the current utterance.
	userText string
	history  []types.Message
	useRAG   bool

	// user is the turn that prompted this reply; written to the transcript
	// together with the assistant entry. Nil for greeting/apology/goodbye.
	user *types.TranscriptEntry

	// replySeq is the transcript sequence reserved for the assistant entry.
	replySeq int

	voice    types.VoiceProfile
	language string
	markName string
}

// speakResult reports a finished speak back to the turn loop.
type speakResult struct {
	kind      speakKind
	text      string
	sentences int
	usage     llm.Usage
	ttsChars  int
	err       error
}

// ─── Speaking pipeline ────────────────────────────────────────────────────────

// speak synthesizes one job and frames it to the gateway. It runs on its own
// goroutine and reports through s.speakDone; the loop launches at most one
// at a time.
func (s *Session) speak(ctx context.Context, job speakJob) {
	res := s.runSpeak(ctx, job)
	s.persistTurn(job, res)
	select {
	case s.speakDone <- res:
	case <-s.loopDone:
	}
}

func (s *Session) runSpeak(ctx context.Context, job speakJob) speakResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res := speakResult{kind: job.kind}

	// Resolve pre-generated text: reuse the early run when it succeeded.
	text := job.text
	if text == "" && job.early != nil {
		select {
		case <-ctx.Done():
			res.err = ctx.Err()
			return res
		case er := <-job.early.done:
			if er.err != nil {
				s.log.Warn("early completion failed, streaming instead", "error", er.err)
			} else {
				text = er.text
				res.usage = er.usage
			}
		}
	}

	textCh := make(chan string, 16)
	audioCh, err := s.deps.TTS.SynthesizeStream(ctx, textCh, job.voice)
	if err != nil {
		close(textCh)
		res.err = &stageError{stage: stageTTS, err: err}
		return res
	}

	// Producer: sentences into textCh, from static text or a live stream.
	prodDone := make(chan speakResult, 1)
	go func() {
		defer close(textCh)
		if text != "" {
			pr := speakResult{text: text}
			for _, sentence := range splitSentences(text) {
				select {
				case textCh <- sentence:
					pr.sentences++
					pr.ttsChars += len(sentence)
				case <-ctx.Done():
				}
			}
			prodDone <- pr
			return
		}
		prodDone <- s.streamSentences(ctx, s.composeRequest(ctx, job), textCh)
	}()

	// Consumer: audio chunks into fixed gateway frames.
	conv := audio.FormatConverter{Target: audio.Telephony}
	var rc audio.Rechunker
	frames := 0
	for chunk := range audioCh {
		frame := s.decodeTTSChunk(chunk)
		frame = conv.Convert(frame)
		for _, pcm := range rc.Write(frame.Data) {
			if err := s.sendPCM(ctx, pcm); err != nil {
				cancel()
				audio.Drain(audioCh)
				<-prodDone
				res.err = err
				return res
			}
			frames++
		}
	}
	if tail := rc.Flush(); tail != nil {
		if err := s.sendPCM(ctx, tail); err != nil {
			cancel()
			<-prodDone
			res.err = err
			return res
		}
		frames++
	}

	// A synthesizer that quit early leaves the producer parked on textCh;
	// drain until the producer's close so the join below cannot hang.
	audio.Drain(textCh)
	pr := <-prodDone
	res.text = pr.text
	res.sentences = pr.sentences
	res.ttsChars = pr.ttsChars
	if pr.usage != (llm.Usage{}) {
		res.usage = pr.usage
	}
	res.err = pr.err

	// Mark after the last frame so the gateway can report playback done.
	if frames > 0 && res.err == nil {
		ev := telephony.NewMarkEvent(s.streamSID, job.markName)
		if err := s.transport.Send(ctx, ev); err != nil {
			res.err = &stageError{stage: stageSend, err: err}
		}
	}
	return res
}

// composeRequest builds the completion request for a fresh generation,
// including the knowledge lookup. It runs on the speak goroutine so a slow
// retrieval never stalls the event loop.
func (s *Session) composeRequest(ctx context.Context, job speakJob) llm.CompletionRequest {
	var ragBlock string
	if job.useRAG {
		block, err := retrieveContext(ctx, s.deps.Retriever, s.agent.ID, job.userText)
		if err != nil {
			s.log.Warn("knowledge retrieval failed", "error", err)
		}
		ragBlock = block
	}
	system := composeSystemPrompt(s.agent, ragBlock, job.language)
	return buildRequest(s.agent, s.deps.LLM, system, job.history, job.userText)
}

// streamSentences runs a fresh LLM stream and forwards complete sentences to
// textCh. It returns the full reply text and best-effort token usage.
func (s *Session) streamSentences(ctx context.Context, req llm.CompletionRequest, textCh chan<- string) speakResult {
	var res speakResult

	chunks, err := s.deps.LLM.StreamCompletion(ctx, req)
	if err != nil {
		res.err = &stageError{stage: stageLLM, err: err}
		return res
	}

	var full strings.Builder
	sp := sentenceSplitter{min: minSentenceChars}
	emit := func(sentence string) bool {
		select {
		case textCh <- sentence:
			res.sentences++
			res.ttsChars += len(sentence)
			return true
		case <-ctx.Done():
			return false
		}
	}

	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			msg := chunk.Text
			if msg == "" {
				msg = "stream reported error"
			}
			res.err = &stageError{stage: stageLLM, err: errors.New(msg)}
			break
		}
		full.WriteString(chunk.Text)
		for _, sentence := range sp.Write(chunk.Text) {
			if !emit(sentence) {
				res.text = full.String()
				res.err = ctx.Err()
				return res
			}
		}
	}
	if res.err == nil {
		if tail := sp.Flush(); tail != "" {
			emit(tail)
		}
	}
	res.text = full.String()

	// A stream that produced nothing is an LLM failure, not a silent turn.
	if res.err == nil && strings.TrimSpace(res.text) == "" {
		res.err = &stageError{stage: stageLLM, err: errors.New("empty completion")}
	}
	if res.err == nil {
		res.usage = s.estimateUsage(req, res.text)
	}
	return res
}

// estimateUsage approximates token spend for streamed completions, which do
// not report usage the way Complete does.
func (s *Session) estimateUsage(req llm.CompletionRequest, reply string) llm.Usage {
	var u llm.Usage
	if n, err := s.deps.LLM.CountTokens(req.Messages); err == nil {
		u.PromptTokens = n
	}
	if n, err := s.deps.LLM.CountTokens([]types.Message{{Role: "assistant", Content: reply}}); err == nil {
		u.CompletionTokens = n
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// decodeTTSChunk turns one provider chunk into a frame. Providers either
// send raw telephony-rate PCM or a WAV container whose header names the real
// format; the converter downstream normalizes any mismatch.
func (s *Session) decodeTTSChunk(chunk []byte) audio.AudioFrame {
	if audio.IsWAV(chunk) {
		frame, err := audio.DecodeWAV(chunk)
		if err != nil {
			s.log.Warn("undecodable WAV chunk dropped", "bytes", len(chunk), "error", err)
			return audio.AudioFrame{SampleRate: audio.TelephonyRate, Channels: 1}
		}
		return frame
	}
	return audio.AudioFrame{Data: chunk, SampleRate: audio.TelephonyRate, Channels: 1}
}

// sendPCM frames one outbound chunk. Sequence numbers are strictly monotonic
// per call; only the single active speak goroutine touches the counter.
func (s *Session) sendPCM(ctx context.Context, pcm []byte) error {
	s.seq++
	ev := telephony.NewMediaEvent(s.streamSID, s.seq, pcm)
	if err := s.transport.Send(ctx, ev); err != nil {
		return &stageError{stage: stageSend, err: err}
	}
	return nil
}

// persistTurn writes the user turn and whatever the assistant actually said.
// It runs on the speak goroutine with a detached context so a terminating
// call still flushes its last turn, including a reply cut short by hangup.
func (s *Session) persistTurn(job speakJob, res speakResult) {
	var entries []types.TranscriptEntry
	if job.user != nil {
		entries = append(entries, *job.user)
	}
	if res.text != "" && (res.err == nil || errors.Is(res.err, context.Canceled)) {
		entries = append(entries, types.TranscriptEntry{
			Seq:       job.replySeq,
			Speaker:   types.SpeakerAssistant,
			Text:      res.text,
			Language:  job.language,
			Timestamp: s.now(),
		})
	}
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.baseCtx), persistTimeout)
	defer cancel()
	if err := s.deps.Sessions.AppendTranscript(ctx, s.id, entries); err != nil {
		s.log.Error("transcript append failed", "entries", len(entries), "error", err)
	}
}

// ─── Early LLM ────────────────────────────────────────────────────────────────

// earlyRun is a speculative completion launched off a partial transcript so
// generation overlaps the tail of the user's speech.
type earlyRun struct {
	partial string
	cancel  context.CancelFunc
	done    chan earlyResult
}

type earlyResult struct {
	text  string
	usage llm.Usage
	err   error
}

// launchEarly starts the speculative completion. The buffered done channel
// lets an abandoned run finish without a reader.
func launchEarly(ctx context.Context, p llm.Provider, req llm.CompletionRequest, partial string) *earlyRun {
	cctx, cancel := context.WithCancel(ctx)
	run := &earlyRun{partial: partial, cancel: cancel, done: make(chan earlyResult, 1)}
	go func() {
		defer cancel()
		resp, err := p.Complete(cctx, req)
		switch {
		case err != nil:
			run.done <- earlyResult{err: err}
		case resp == nil || strings.TrimSpace(resp.Content) == "":
			run.done <- earlyResult{err: errors.New("voice: empty early completion")}
		default:
			run.done <- earlyResult{text: resp.Content, usage: resp.Usage}
		}
	}()
	return run
}

// earlyReusable reports whether the final utterance is still the one the
// early run answered: after normalization the speculative partial must be a
// prefix of the final text. STT revisions of already-heard words discard the
// run; the user merely finishing the sentence does not.
func earlyReusable(partial, final string) bool {
	p, f := normalizeText(partial), normalizeText(final)
	return p != "" && strings.HasPrefix(f, p)
}

// normalizeText lowercases, strips punctuation, and collapses whitespace for
// prefix comparison between partial and final transcripts.
func normalizeText(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			space = false
		case r > 127:
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// ─── Sentence splitting ───────────────────────────────────────────────────────

// sentenceSplitter accumulates streamed tokens and emits sentences once they
// pass the minimum length. A sentence ends at '.', '!', '?', or a newline.
type sentenceSplitter struct {
	min int
	buf strings.Builder
}

// Write appends streamed text and returns every complete sentence now
// available.
func (sp *sentenceSplitter) Write(text string) []string {
	if text == "" {
		return nil
	}
	sp.buf.WriteString(text)
	s := sp.buf.String()

	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?', '\n':
			candidate := strings.TrimSpace(s[start : i+1])
			if len(candidate) >= sp.min {
				out = append(out, candidate)
				start = i + 1
			}
		}
	}
	if start > 0 {
		rest := s[start:]
		sp.buf.Reset()
		sp.buf.WriteString(rest)
	}
	return out
}

// Flush returns whatever text remains, trimmed, and resets the splitter.
func (sp *sentenceSplitter) Flush() string {
	rest := strings.TrimSpace(sp.buf.String())
	sp.buf.Reset()
	return rest
}

// splitSentences runs pre-generated text through the splitter in one shot.
func splitSentences(text string) []string {
	sp := sentenceSplitter{min: minSentenceChars}
	out := sp.Write(text)
	if tail := sp.Flush(); tail != "" {
		out = append(out, tail)
	}
	return out
}
