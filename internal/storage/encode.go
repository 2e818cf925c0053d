// File path: internal/storage/encode.go
package storage

import (
	"encoding/binary"
	"math"
)

// EncodeVector serialises an embedding as little-endian float32 bytes so
// database files stay portable across architectures.
func EncodeVector(vector []float32) []byte {
	if len(vector) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserialises an embedding blob. The second return value is
// false when the blob is empty or not a whole number of float32 values.
func DecodeVector(blob []byte) ([]float32, bool) {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil, false
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vector, true
}
