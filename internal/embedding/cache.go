package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cached memoizes another Embedder, keyed by a hash of the input text.
// Errors are never cached so a recovered provider is picked up immediately.
type Cached struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCached wraps inner with a cache holding roughly maxEntries vectors.
func NewCached(inner Embedder, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (c *Cached) Embed(ctx context.Context, text string) (Vector, error) {
	key := textKey(text)
	if v, ok := c.cache.Get(key); ok {
		return append(Vector(nil), v.(Vector)...), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append(Vector(nil), vec...), 1)
	return vec, nil
}

func (c *Cached) Dims() int { return c.inner.Dims() }

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *Cached) Close() { c.cache.Close() }
