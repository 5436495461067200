// Package embedding computes text vectors for the similarity tier.
//
// A Backend is a vector computation strategy. The Service composes a
// primary backend with the deterministic fallback and guarantees that
// embedding a text never fails: when no strategy can produce a vector the
// caller receives a zero vector, which the similarity math treats as
// unmatchable.
package embedding

import "context"

// Backend defines the interface for generating text embeddings.
type Backend interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// EmbedBatch generates embeddings for multiple texts in a single request.
	// This is more efficient than calling Embed multiple times.
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the dimension of the embedding vectors.
	Dimension() int
}
