//go:build arm64
// +build arm64

package vector

import "github.com/viant/vec/search"

// cosineDistance computes the cosine distance between q and row using the
// precomputed magnitudes. The exported name differs per architecture in
// vec/search, so each build selects its own spelling.
func cosineDistance(q search.Float32s, row []float32, qm, rm float32) float32 {
	return q.CosineDistanceWithMagnitude(row, qm, rm)
}
