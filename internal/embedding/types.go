// Package embedding defines the pluggable embedder interface used by the
// document pipeline and fusion retriever, plus a deterministic default
// implementation and two wrappers (caching, HTTP) that compose with it.
package embedding

import (
	"context"
	"math"
)

// DefaultDimensions is the fixed vector width used when no embedder-
// specific dimension is configured.
const DefaultDimensions = 384

// Embedder turns text into a fixed-length vector. The implementations in
// this package unit-normalize any vector with a nonzero norm; an all-zero
// vector (e.g. StaticEmbedder on blank text) is returned as is, with no
// error.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
	Available(ctx context.Context) bool
	Close() error
}

func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return v
	}
	norm := float32(1.0 / math.Sqrt(sumSquares))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * norm
	}
	return out
}
