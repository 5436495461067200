package embedding

import (
	"context"
	"crypto/sha256"
)

// FallbackModel is the model name reported by the deterministic backend.
const FallbackModel = "hash-fallback"

// Fallback derives a vector from the SHA-256 digest of the text. The result
// is deterministic and cheap but carries no semantic signal beyond identity:
// it matches verbatim duplicates, not paraphrases. It exists so similarity
// mode degrades instead of disabling itself when no model is reachable.
type Fallback struct {
	dimension int
}

// NewFallback creates the deterministic backend with the given vector size.
func NewFallback(dimension int) *Fallback {
	if dimension <= 0 {
		dimension = 384
	}
	return &Fallback{dimension: dimension}
}

// Embed returns the digest-derived vector. It never fails.
func (f *Fallback) Embed(_ context.Context, text string) ([]float64, error) {
	digest := sha256.Sum256([]byte(text))

	// Normalize digest bytes into [0,1] and tile until the vector is full.
	vec := make([]float64, f.dimension)
	for i := range vec {
		vec[i] = float64(digest[i%len(digest)]) / 255.0
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (f *Fallback) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		vec, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Model returns the strategy name.
func (f *Fallback) Model() string { return FallbackModel }

// Dimension returns the vector size.
func (f *Fallback) Dimension() int { return f.dimension }
