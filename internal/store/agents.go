package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetAgent returns the agent configuration or [ErrNotFound]. Agents are
// written by the management plane; dialvox only reads them.
func (p *Postgres) GetAgent(ctx context.Context, id string) (*Agent, error) {
	const query = `
		SELECT id, user_id, name, prompt, first_message, language,
		       auto_detect_language, stt_provider, voice, voices_by_language,
		       llm, end_call_phrases, voicemail, rag_enabled,
		       created_at, updated_at
		FROM agents WHERE id = $1`

	var (
		a                                                   Agent
		voiceJSON, byLangJSON, llmJSON, phrasesJSON, vmJSON []byte
	)
	err := p.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.UserID, &a.Name, &a.Prompt, &a.FirstMessage, &a.Language,
		&a.AutoDetectLanguage, &a.STTProvider, &voiceJSON, &byLangJSON,
		&llmJSON, &phrasesJSON, &vmJSON, &a.RAGEnabled,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("store: agent %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get agent %q: %w", id, err)
	}

	if err := json.Unmarshal(voiceJSON, &a.Voice); err != nil {
		return nil, fmt.Errorf("store: unmarshal voice: %w", err)
	}
	if err := json.Unmarshal(byLangJSON, &a.VoicesByLanguage); err != nil {
		return nil, fmt.Errorf("store: unmarshal voices_by_language: %w", err)
	}
	if err := json.Unmarshal(llmJSON, &a.LLM); err != nil {
		return nil, fmt.Errorf("store: unmarshal llm: %w", err)
	}
	if err := json.Unmarshal(phrasesJSON, &a.EndCallPhrases); err != nil {
		return nil, fmt.Errorf("store: unmarshal end_call_phrases: %w", err)
	}
	if err := json.Unmarshal(vmJSON, &a.Voicemail); err != nil {
		return nil, fmt.Errorf("store: unmarshal voicemail: %w", err)
	}
	return &a, nil
}
