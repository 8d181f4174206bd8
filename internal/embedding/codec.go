package embedding

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode packs a vector as little-endian float32 values for BLOB storage.
func Encode(v Vector) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode reverses Encode. A nil or empty blob decodes to a nil vector.
func Decode(b []byte) (Vector, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector blob length %d", len(b))
	}
	v := make(Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
