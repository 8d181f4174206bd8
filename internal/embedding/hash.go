package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline embedder. Each word is hashed into
// a signed bucket and the result is L2-normalized, so texts sharing words
// land near each other. It needs no network and is used for tests and demos.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a HashEmbedder with the given dimensionality (default 256).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make(Vector, e.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty text still gets a stable unit vector.
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func (e *HashEmbedder) Dims() int { return e.dims }
