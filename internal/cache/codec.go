package cache

import (
	"encoding/binary"
	"math"
)

// Vectors are persisted as little-endian float32 slabs, 4 bytes per component.
// The same layout is used by the precomputed demo embedding blobs.

// VectorToBytes encodes v as little-endian float32 bytes.
func VectorToBytes(v []float32) []byte {
	const size = 4
	out := make([]byte, len(v)*size)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(f))
	}
	return out
}

// VectorFromBytes decodes little-endian float32 bytes into a vector.
func VectorFromBytes(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
