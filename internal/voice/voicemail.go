package voice

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/dialvox/dialvox/internal/store"
)

// Voicemail detection defaults, applied when the agent config leaves the
// knobs at their zero values.
const (
	// DefaultVoicemailWindow is how long after call start detection runs.
	DefaultVoicemailWindow = 3 * time.Second

	// DefaultVoicemailThreshold is the confidence needed to terminate.
	DefaultVoicemailThreshold = 0.7

	// voicemailFuzzyFloor is the minimum Jaro-Winkler similarity for a
	// keyword to count as a fuzzy hit at all. Below this the score is
	// treated as noise, not a weak match.
	voicemailFuzzyFloor = 0.85
)

// defaultVoicemailKeywords cover the stock greetings of the major carriers
// and consumer answering machines. Agents can override the set per campaign.
var defaultVoicemailKeywords = []string{
	"leave a message",
	"leave your message",
	"after the beep",
	"after the tone",
	"at the tone",
	"voicemail",
	"voice mail",
	"is not available",
	"cannot take your call",
	"leave your name and number",
	"record your message",
	"mailbox",
}

// voicemailDetector classifies early user transcripts as answering-machine
// greetings. It runs on each final within a window from call start; a human
// saying "hello?" scores near zero while machine greetings stack multiple
// keyword hits.
//
// Read-only after construction; the turn loop calls Check from one goroutine.
type voicemailDetector struct {
	keywords  []string
	window    time.Duration
	threshold float64
	start     time.Time
}

// newVoicemailDetector builds a detector from the agent config. Returns nil
// when detection is disabled.
func newVoicemailDetector(cfg store.VoicemailConfig, start time.Time) *voicemailDetector {
	if !cfg.Enabled {
		return nil
	}
	d := &voicemailDetector{
		keywords:  cfg.Keywords,
		window:    time.Duration(cfg.MinDetectionTime) * time.Second,
		threshold: cfg.ConfidenceThreshold,
		start:     start,
	}
	if len(d.keywords) == 0 {
		d.keywords = defaultVoicemailKeywords
	}
	if d.window <= 0 {
		d.window = DefaultVoicemailWindow
	}
	if d.threshold <= 0 {
		d.threshold = DefaultVoicemailThreshold
	}
	return d
}

// Check scores one final transcript. It reports a hit when the weighted
// confidence reaches the threshold and the final arrived inside the
// detection window. Finals after the window never hit.
func (d *voicemailDetector) Check(text string, at time.Time) (float64, bool) {
	if at.Sub(d.start) > d.window {
		return 0, false
	}
	norm := strings.ToLower(strings.TrimSpace(text))
	if norm == "" {
		return 0, false
	}
	tokens := strings.Fields(norm)

	// Confidence is the best single-keyword score, nudged up for each
	// additional keyword that also hits. A machine greeting like "please
	// leave a message after the beep" lands two exact hits and saturates.
	var best float64
	extra := 0
	for _, kw := range d.keywords {
		score := keywordScore(norm, tokens, kw)
		if score >= voicemailFuzzyFloor {
			extra++
		}
		if score > best {
			best = score
		}
	}
	if extra > 1 {
		best += 0.05 * float64(extra-1)
		if best > 1 {
			best = 1
		}
	}
	return best, best >= d.threshold
}

// keywordScore rates how strongly text contains kw: exact substring scores
// 1.0, otherwise the best Jaro-Winkler similarity between kw and any token
// window of the same length. Fuzzy scores below the floor are zero so STT
// noise does not accumulate into a false positive.
func keywordScore(norm string, tokens []string, kw string) float64 {
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return 0
	}
	if strings.Contains(norm, kw) {
		return 1
	}

	width := len(strings.Fields(kw))
	if width == 0 || width > len(tokens) {
		return 0
	}
	var best float64
	for i := 0; i+width <= len(tokens); i++ {
		window := strings.Join(tokens[i:i+width], " ")
		if s := matchr.JaroWinkler(window, kw, false); s > best {
			best = s
		}
	}
	if best < voicemailFuzzyFloor {
		return 0
	}
	return best
}
