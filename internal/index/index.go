// Package index provides the per-tier lexical and vector indexes.
//
// A tier composes one LexicalIndex and one VectorIndex. Durable indexes keep
// their postings in the tier's SQLite file; in-memory ones are rebuilt from
// the tier's entries when the tier is opened.
package index

import (
	"context"
	"database/sql"
	"fmt"
)

// Hit is one ranked result. Higher scores rank first.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// LexicalIndex is keyword search over entry text.
type LexicalIndex interface {
	Index(ctx context.Context, id, text string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, k int) ([]Hit, error)
	Durable() bool
	Close() error
}

// VectorIndex is nearest-neighbor search over entry embeddings.
type VectorIndex interface {
	Add(ctx context.Context, id string, vec []float32) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
	Durable() bool
	Close() error
}

// Index kinds accepted by the constructors.
const (
	LexicalFTS    = "fts"
	LexicalBleve  = "bleve"
	VectorFlat    = "flat"
	VectorChromem = "chromem"
)

// NewLexical builds a lexical index of the given kind. db is used by durable kinds.
func NewLexical(ctx context.Context, kind string, db *sql.DB) (LexicalIndex, error) {
	switch kind {
	case LexicalFTS, "":
		return NewFTSIndex(ctx, db)
	case LexicalBleve:
		return NewBleveIndex()
	}
	return nil, fmt.Errorf("unknown lexical index %q", kind)
}

// NewVector builds a vector index of the given kind. name labels in-memory collections.
func NewVector(ctx context.Context, kind, name string, db *sql.DB) (VectorIndex, error) {
	switch kind {
	case VectorFlat, "":
		return NewFlatIndex(ctx, db)
	case VectorChromem:
		return NewChromemIndex(name)
	}
	return nil, fmt.Errorf("unknown vector index %q", kind)
}
