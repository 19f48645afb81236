package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const defaultTopK = 3

// Augmenter rewrites a query into a prompt grounded on retrieved documents.
type Augmenter struct {
	retriever Retriever
	topK      int
	logger    zerolog.Logger
}

// NewAugmenter creates an Augmenter. topK <= 0 selects 3.
func NewAugmenter(retriever Retriever, topK int, logger zerolog.Logger) *Augmenter {
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Augmenter{
		retriever: retriever,
		topK:      topK,
		logger:    logger.With().Str("component", "retrieval").Logger(),
	}
}

// Augment searches for query and returns the grounded prompt. It fails with
// ErrNoDocuments when the search comes back empty.
func (a *Augmenter) Augment(ctx context.Context, query string) (string, error) {
	docs, err := a.retriever.Search(ctx, query, a.topK)
	if err != nil {
		return "", fmt.Errorf("search context documents: %w", err)
	}
	if len(docs) == 0 {
		return "", ErrNoDocuments
	}

	prompt := BuildPrompt(query, docs)
	a.logger.Debug().Int("documents", len(docs)).Int("prompt_bytes", len(prompt)).Msg("Augmented query")
	return prompt, nil
}

// BuildPrompt formats query and the document contents, one per line.
func BuildPrompt(query string, docs []Document) string {
	var sb strings.Builder
	sb.WriteString("Answer based only on the context, nothing else.\n")
	sb.WriteString("QUERY:\n")
	sb.WriteString(query)
	sb.WriteString("\nCONTEXT:\n")
	for i, d := range docs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(d.Content)
	}
	return sb.String()
}

// Chunk splits text into pieces of at most maxWords whitespace-separated
// words. maxWords <= 0 returns the whole text as one chunk.
func Chunk(text string, maxWords int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if maxWords <= 0 || len(words) <= maxWords {
		return []string{strings.Join(words, " ")}
	}
	chunks := make([]string, 0, (len(words)+maxWords-1)/maxWords)
	for start := 0; start < len(words); start += maxWords {
		end := min(start+maxWords, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}
