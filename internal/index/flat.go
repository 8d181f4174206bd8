package index

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/rcliao/tiered-memory/internal/embedding"
)

// FlatIndex stores vectors as BLOBs in the tier's database and answers
// queries with an exhaustive cosine scan.
type FlatIndex struct {
	db *sql.DB
}

// NewFlatIndex creates the vectors table in db if needed.
func NewFlatIndex(ctx context.Context, db *sql.DB) (*FlatIndex, error) {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS vectors (
		entry_id TEXT PRIMARY KEY,
		dims     INTEGER NOT NULL,
		vec      BLOB NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create vectors table: %w", err)
	}
	return &FlatIndex{db: db}, nil
}

func (f *FlatIndex) Add(ctx context.Context, id string, vec []float32) error {
	_, err := f.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO vectors (entry_id, dims, vec) VALUES (?, ?, ?)`,
		id, len(vec), embedding.Encode(vec))
	if err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

func (f *FlatIndex) Remove(ctx context.Context, id string) error {
	_, err := f.db.ExecContext(ctx, `DELETE FROM vectors WHERE entry_id = ?`, id)
	return err
}

func (f *FlatIndex) Search(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	if len(vec) == 0 || k <= 0 {
		return nil, nil
	}
	rows, err := f.db.QueryContext(ctx, `SELECT entry_id, vec FROM vectors WHERE dims = ?`, len(vec))
	if err != nil {
		return nil, fmt.Errorf("scan vectors: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		v, err := embedding.Decode(blob)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: embedding.CosineSimilarity(vec, v)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (f *FlatIndex) Durable() bool { return true }

func (f *FlatIndex) Close() error { return nil }
