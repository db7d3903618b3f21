package voice

import (
	"fmt"
	"strings"

	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/types"
)

// globalRules precede every agent persona. They encode the constraints of
// the medium: replies are spoken over a phone line, so they must be short,
// plain, and free of markup the TTS would read aloud.
const globalRules = `You are speaking with a person on a live phone call.
Keep replies short and conversational, one to three sentences.
Never use lists, markdown, emoji, URLs, or spelled-out formatting.
Write numbers the way they are spoken.
If the person asks to stop being called, acknowledge and say goodbye.`

// historyReserve is the share of the model's context window the prompt may
// fill before old turns are trimmed. The remainder is left for generation.
const historyReserve = 4

// composeSystemPrompt assembles the per-turn system prompt:
// global rules, agent persona, optional retrieved context, and the language
// directive when the conversation runs in a specific language.
func composeSystemPrompt(agent *store.Agent, ragBlock, language string) string {
	var b strings.Builder
	b.WriteString(globalRules)
	if p := strings.TrimSpace(agent.Prompt); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	if ragBlock != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(ragBlock)
	}
	if language != "" {
		fmt.Fprintf(&b, "\n\nRespond only in %s.", languageName(language))
	}
	return b.String()
}

// buildRequest packages the system prompt, trimmed history, and the current
// user turn into a completion request with the agent's sampling knobs.
func buildRequest(agent *store.Agent, p llm.Provider, system string, history []types.Message, userText string) llm.CompletionRequest {
	msgs := make([]types.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, types.Message{Role: "user", Content: userText})
	msgs = trimHistory(p, system, msgs)

	return llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: system,
		Temperature:  agent.LLM.Temperature,
		MaxTokens:    agent.LLM.MaxTokens,
	}
}

// trimHistory drops the oldest turns until the prompt fits inside the
// model's window with room left for the reply. Token counting is
// best-effort: when the provider cannot count, the history is sent as is.
func trimHistory(p llm.Provider, system string, msgs []types.Message) []types.Message {
	caps := p.Capabilities()
	if caps.ContextWindow <= 0 {
		return msgs
	}
	budget := caps.ContextWindow - caps.ContextWindow/historyReserve

	withSystem := func(m []types.Message) []types.Message {
		return append([]types.Message{{Role: "system", Content: system}}, m...)
	}
	for len(msgs) > 1 {
		n, err := p.CountTokens(withSystem(msgs))
		if err != nil || n <= budget {
			return msgs
		}
		// Drop the oldest exchange, keeping the current user turn intact.
		msgs = msgs[1:]
	}
	return msgs
}
