// Package retrieval looks up context documents for a query and folds them
// into the prompt sent upstream.
package retrieval

import (
	"context"
	"errors"
)

// ErrNoDocuments is returned when a search finds nothing to ground a reply on.
var ErrNoDocuments = errors.New("no documents found in context, try again with a different query")

// Document is one stored chunk of source text.
type Document struct {
	ID       string
	Source   string
	Content  string
	Distance float64 // cosine distance to the query, lower is closer
}

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever returns up to k documents closest to query, closest first.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Document, error)
}
