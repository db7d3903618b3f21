// Package knowledge provides semantic retrieval over an agent's campaign
// documents. Chunks are embedded and indexed by an external ingestion
// pipeline; this package only reads them, at call time, to ground the
// agent's answers.
//
// The live path is: the voice session decides a user utterance warrants a
// lookup, [VectorRetriever] embeds the query and searches the vector store,
// and [FormatContext] renders the hits into the numbered context block that
// is spliced into the system prompt.
package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/dialvox/dialvox/pkg/provider/embeddings"
)

// Retrieval defaults. Agents get these unless configured otherwise.
const (
	// DefaultTopK is how many chunks a query retrieves.
	DefaultTopK = 3

	// DefaultMinScore is the similarity floor below which a hit is discarded.
	DefaultMinScore = 0.7

	// DefaultMaxContextChars caps the rendered context block.
	DefaultMaxContextChars = 2000
)

// Chunk is one indexed fragment of an agent's knowledge base.
type Chunk struct {
	ID      string
	AgentID string

	// Source names the document the chunk came from, for citation.
	Source string

	Content   string
	Embedding []float32
}

// Result is a chunk scored against a query. Score is cosine similarity in
// [0,1]; higher is closer.
type Result struct {
	Chunk
	Score float64
}

// Retriever answers free-text queries with scored chunks. The voice session
// consumes this interface; tests substitute a fake.
type Retriever interface {
	Retrieve(ctx context.Context, agentID, query string) ([]Result, error)
}

// Searcher is the vector-store half of retrieval: nearest-neighbour search
// over pre-embedded chunks. Implemented by [postgres.Store].
type Searcher interface {
	Search(ctx context.Context, agentID string, embedding []float32, topK int) ([]Result, error)
}

// VectorRetriever pairs an embedding provider with a vector store.
type VectorRetriever struct {
	searcher Searcher
	embedder embeddings.Provider
	topK     int
	minScore float64
}

var _ Retriever = (*VectorRetriever)(nil)

// Option configures a [VectorRetriever].
type Option func(*VectorRetriever)

// WithTopK overrides how many chunks are fetched per query.
func WithTopK(k int) Option {
	return func(r *VectorRetriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithMinScore overrides the similarity floor.
func WithMinScore(score float64) Option {
	return func(r *VectorRetriever) {
		r.minScore = score
	}
}

// NewRetriever creates a retriever over the given store and embedder.
func NewRetriever(searcher Searcher, embedder embeddings.Provider, opts ...Option) *VectorRetriever {
	r := &VectorRetriever{
		searcher: searcher,
		embedder: embedder,
		topK:     DefaultTopK,
		minScore: DefaultMinScore,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve embeds the query, searches the agent's chunks, and returns hits
// at or above the similarity floor, best first.
func (r *VectorRetriever) Retrieve(ctx context.Context, agentID, query string) ([]Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	results, err := r.searcher.Search(ctx, agentID, vec, r.topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	kept := results[:0]
	for _, res := range results {
		if res.Score >= r.minScore {
			kept = append(kept, res)
		}
	}
	return kept, nil
}

// FormatContext renders results as a numbered context block:
//
//	[1] first chunk content
//	[2] second chunk content
//
// Chunks that would push the block past maxChars are dropped, except that the
// first chunk is always included (truncated if it alone exceeds the cap).
// maxChars <= 0 means [DefaultMaxContextChars].
func FormatContext(results []Result, maxChars int) string {
	if len(results) == 0 {
		return ""
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxContextChars
	}

	var b strings.Builder
	for i, res := range results {
		entry := fmt.Sprintf("[%d] %s", i+1, strings.TrimSpace(res.Content))
		if i == 0 {
			if len(entry) > maxChars {
				entry = entry[:maxChars]
			}
			b.WriteString(entry)
			continue
		}
		if b.Len()+1+len(entry) > maxChars {
			break
		}
		b.WriteByte('\n')
		b.WriteString(entry)
	}
	return b.String()
}
