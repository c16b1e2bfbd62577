// Package vector provides vector math and batched nearest-neighbor snapshots.
package vector

import "math"

// Dot returns the dot product of two equal-length vectors.
// Accumulates in float64 to limit rounding drift over long vectors.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Cosine returns the cosine similarity of two raw (non-normalized) vectors.
// Returns 0 when either vector has zero norm or lengths differ.
func Cosine(a, b []float32) float64 {
	na, nb := L2Norm(a), L2Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}

// Mean returns the component-wise mean of the given vectors, dividing by the
// number of vectors actually present. Returns nil for an empty input. Vectors
// whose length differs from the first are skipped.
func Mean(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dims := len(vecs[0])
	sum := make([]float64, dims)
	count := 0
	for _, v := range vecs {
		if len(v) != dims {
			continue
		}
		for i := range v {
			sum[i] += float64(v[i])
		}
		count++
	}
	if count == 0 {
		return nil
	}
	mean := make([]float32, dims)
	for i := range sum {
		mean[i] = float32(sum[i] / float64(count))
	}
	return mean
}
