//go:build !arm64
// +build !arm64

package vector

import "github.com/viant/vec/search"

// cosineDistance computes the cosine distance between q and row using the
// precomputed magnitudes. Off arm64, vec/search exports the magnitude variant
// as CosineDistanceWithMagnitudesNeon (scalar implementation despite the name).
func cosineDistance(q search.Float32s, row []float32, qm, rm float32) float32 {
	return q.CosineDistanceWithMagnitudesNeon(row, qm, rm)
}
