package voice

import (
	"strings"
	"time"

	"github.com/dialvox/dialvox/pkg/types"
)

// Language-switch confidence thresholds. The first utterance sets the
// conversation language cheaply; later switches need strong evidence so one
// garbled utterance cannot flip the voice mid-conversation.
const (
	firstSwitchConfidence = 0.70
	laterSwitchConfidence = 0.85
)

// indianLanguages are the base tags the Sarvam streaming model covers. The
// STT selection matrix only routes to Sarvam for these.
var indianLanguages = map[string]struct{}{
	"hi": {}, "bn": {}, "ta": {}, "te": {}, "kn": {}, "ml": {},
	"mr": {}, "gu": {}, "pa": {}, "or": {}, "od": {},
}

// languageNames maps common BCP-47 base tags to the names used in prompt
// directives. Unknown tags fall back to the raw tag.
var languageNames = map[string]string{
	"en": "English", "hi": "Hindi", "bn": "Bengali", "ta": "Tamil",
	"te": "Telugu", "kn": "Kannada", "ml": "Malayalam", "mr": "Marathi",
	"gu": "Gujarati", "pa": "Punjabi", "or": "Odia", "od": "Odia",
	"es": "Spanish", "fr": "French", "de": "German", "pt": "Portuguese",
	"ar": "Arabic", "zh": "Chinese", "ja": "Japanese",
}

// baseTag strips the region subtag: "hi-IN" becomes "hi". Voice tables and
// directive lookups are keyed by base tags.
func baseTag(tag string) string {
	base, _, _ := strings.Cut(strings.ToLower(tag), "-")
	return base
}

// isIndianLanguage reports whether the tag's base language is one Sarvam
// streams natively. Region subtags are ignored, so "hi-IN" counts.
func isIndianLanguage(tag string) bool {
	_, ok := indianLanguages[baseTag(tag)]
	return ok
}

// languageName returns the human name for a tag, for prompt directives.
func languageName(tag string) string {
	if name, ok := languageNames[baseTag(tag)]; ok {
		return name
	}
	return tag
}

// languageTracker decides when a detected language replaces the active one.
// The first judged utterance may switch at a lower confidence than later
// ones. Owned by the turn loop; not safe for concurrent use.
type languageTracker struct {
	configured string
	current    string
	judged     bool
	switches   []types.LanguageSwitch
}

func newLanguageTracker(configured string) *languageTracker {
	return &languageTracker{configured: configured, current: configured}
}

// Current returns the active conversation language.
func (t *languageTracker) Current() string {
	return t.current
}

// Observe judges one detected (language, confidence) pair and returns the
// journal entry when it switches the active language. Detection results with
// an empty tag are ignored without consuming the first-utterance allowance.
func (t *languageTracker) Observe(lang string, confidence float64, at time.Time) (types.LanguageSwitch, bool) {
	if lang == "" {
		return types.LanguageSwitch{}, false
	}
	threshold := laterSwitchConfidence
	if !t.judged {
		threshold = firstSwitchConfidence
	}
	t.judged = true

	if sameLanguage(lang, t.current) || confidence <= threshold {
		return types.LanguageSwitch{}, false
	}
	sw := types.LanguageSwitch{
		From:       t.current,
		To:         baseTag(lang),
		Confidence: confidence,
		At:         at,
	}
	t.current = sw.To
	t.switches = append(t.switches, sw)
	return sw, true
}

// sameLanguage compares base tags so "hi" and "hi-IN" do not count as a
// switch.
func sameLanguage(a, b string) bool {
	return baseTag(a) == baseTag(b)
}
