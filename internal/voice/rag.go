package voice

import (
	"context"
	"strings"

	"github.com/dialvox/dialvox/pkg/knowledge"
)

// ragDirective is appended after the retrieved context so the model stays
// inside it instead of improvising product facts.
const ragDirective = "Answer only from the context above. Cite sources using their [n] tags. " +
	"If the context does not contain the answer, say you don't know."

// interrogatives are the leading words that mark an utterance as an
// information question regardless of length.
var interrogatives = map[string]struct{}{
	"who": {}, "what": {}, "when": {}, "where": {}, "why": {}, "how": {},
	"which": {}, "whose": {}, "can": {}, "could": {}, "would": {}, "will": {},
	"do": {}, "does": {}, "did": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"should": {},
}

// smallTalk holds the conversational tokens that never warrant a knowledge
// lookup even when the utterance is long enough.
var smallTalk = map[string]struct{}{
	"hello": {}, "hi": {}, "hey": {}, "yes": {}, "no": {}, "yeah": {},
	"yep": {}, "nope": {}, "okay": {}, "ok": {}, "sure": {}, "right": {},
	"thanks": {}, "thank": {}, "bye": {}, "goodbye": {}, "hmm": {}, "uh": {},
	"um": {}, "alright": {}, "fine": {}, "good": {}, "great": {},
}

// looksLikeQuery is the cheap gate in front of the knowledge base: an
// interrogative opener, a trailing question mark, or any utterance longer
// than three words that is not plain small talk.
func looksLikeQuery(text string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "?") {
		return true
	}
	tokens := strings.Fields(strings.TrimRight(trimmed, ".!?,"))
	if len(tokens) == 0 {
		return false
	}
	if _, ok := interrogatives[tokens[0]]; ok {
		return true
	}
	if len(tokens) <= 3 {
		return false
	}
	for _, tok := range tokens {
		if _, ok := smallTalk[tok]; !ok {
			return true
		}
	}
	return false
}

// retrieveContext runs the knowledge lookup for a gated query and renders the
// numbered context block plus directive. Empty on no hits. A lookup error is
// returned for logging but degrades to an empty block; a broken knowledge
// base weakens the answer, it never breaks the call.
func retrieveContext(ctx context.Context, r knowledge.Retriever, agentID, query string) (string, error) {
	results, err := r.Retrieve(ctx, agentID, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}
	block := knowledge.FormatContext(results, knowledge.DefaultMaxContextChars)
	if block == "" {
		return "", nil
	}
	return block + "\n\n" + ragDirective, nil
}
