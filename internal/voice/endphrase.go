package voice

import (
	"regexp"
	"strings"
)

// phraseMatcher matches an agent's end-call phrases against user turns.
// Phrases match exact, as a suffix, or as a whole word anywhere in the
// utterance. Matching is case-insensitive and ignores trailing punctuation.
//
// Read-only after construction.
type phraseMatcher struct {
	phrases  []string
	patterns []*regexp.Regexp
}

// newPhraseMatcher compiles the phrase set. Returns nil when the agent has no
// end-call phrases configured so the caller can skip matching entirely.
func newPhraseMatcher(phrases []string) *phraseMatcher {
	m := &phraseMatcher{}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		m.phrases = append(m.phrases, p)
		m.patterns = append(m.patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(p)+`\b`))
	}
	if len(m.phrases) == 0 {
		return nil
	}
	return m
}

// Match reports the first configured phrase found in text, if any.
func (m *phraseMatcher) Match(text string) (string, bool) {
	norm := normalizeUtterance(text)
	if norm == "" {
		return "", false
	}
	for i, p := range m.phrases {
		if norm == p || strings.HasSuffix(norm, p) || m.patterns[i].MatchString(norm) {
			return p, true
		}
	}
	return "", false
}

// normalizeUtterance lowercases text and strips the punctuation STT providers
// attach to finals, so "Goodbye!" matches the phrase "goodbye".
func normalizeUtterance(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return strings.TrimRight(text, ".!?,;: ")
}
