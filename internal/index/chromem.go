package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/philippgille/chromem-go"
)

// ChromemIndex is an in-memory vector collection. Embeddings are always
// supplied by the caller; the collection never computes its own.
type ChromemIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

func noEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("chromem: embeddings must be supplied by the caller")
}

// NewChromemIndex creates an empty collection with the given name.
func NewChromemIndex(name string) (*ChromemIndex, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(name, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("create chromem collection: %w", err)
	}
	return &ChromemIndex{db: db, col: col}, nil
}

func (c *ChromemIndex) Add(ctx context.Context, id string, vec []float32) error {
	if isZero(vec) {
		return fmt.Errorf("chromem add %s: zero vector", id)
	}
	// AddDocument normalizes in place, so hand it a copy.
	doc := chromem.Document{ID: id, Embedding: append([]float32(nil), vec...)}
	return c.col.AddDocument(ctx, doc)
}

func (c *ChromemIndex) Remove(ctx context.Context, id string) error {
	return c.col.Delete(ctx, nil, nil, id)
}

func (c *ChromemIndex) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	n := min(k, c.col.Count())
	if n <= 0 || len(vec) == 0 {
		return nil, nil
	}
	res, err := c.col.QueryEmbedding(ctx, append([]float32(nil), vec...), n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Hit, 0, len(res))
	for _, r := range res {
		hits = append(hits, Hit{ID: r.ID, Score: float64(r.Similarity)})
	}
	return hits, nil
}

func (c *ChromemIndex) Durable() bool { return false }

func (c *ChromemIndex) Close() error { return nil }

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
