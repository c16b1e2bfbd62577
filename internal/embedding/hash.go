package embedding

import (
	"context"
	"math"
	"strings"
)

// HashEmbedder is the portable numeric backend: a deterministic projection of
// word hashes onto the unit sphere. It needs no model file or native library,
// so it doubles as the fallback when ONNX is unavailable and as the test
// embedder. The same text always maps to the same vector, and texts sharing
// words land near each other, which is enough for exercising the index and
// cache paths.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder returns a portable embedder producing vectors of the given dimensions.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed returns a deterministic unit-norm embedding derived from word hashes.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	emb := make([]float32, e.dimensions)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{""}
	}
	for _, word := range words {
		h := HashString(word)
		for i := 0; i < e.dimensions; i++ {
			emb[i] += float32(math.Sin(float64(h*(i+1))) * 0.1)
		}
	}
	NormalizeL2(emb)
	return emb, nil
}

// EmbedBatch embeds each text in order.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for HashEmbedder.
func (e *HashEmbedder) Close() error {
	return nil
}
