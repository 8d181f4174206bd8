// Package store provides TierStore, the SQLite-backed storage for one memory tier.
package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/index"
	"github.com/rcliao/tiered-memory/internal/model"
)

// Options configures one tier.
type Options struct {
	Tier      model.Tier
	Dir       string // the tier's database lives at Dir/<tier>.db
	Capacity  int    // max entries; 0 means unbounded
	Lexical   string // index.LexicalFTS or index.LexicalBleve
	Vector    string // index.VectorFlat or index.VectorChromem
	CacheSize int    // entries kept in the read cache; 0 uses the default
	Logger    zerolog.Logger
}

// SearchParams holds parameters for a single-tier search.
type SearchParams struct {
	Text      string
	Embedding []float32
	TopK      int
}

// SearchResult carries the unfused per-index rankings of one tier.
type SearchResult struct {
	Tier           model.Tier  `json:"tier"`
	Lexical        []index.Hit `json:"lexical,omitempty"`
	Vector         []index.Hit `json:"vector,omitempty"`
	VectorDegraded bool        `json:"vector_degraded,omitempty"`
}

// ListParams holds parameters for listing entries.
type ListParams struct {
	Priority *model.Priority
	Limit    int
}

// Stats holds per-tier statistics.
type Stats struct {
	Tier        model.Tier     `json:"tier"`
	Path        string         `json:"path"`
	SizeBytes   int64          `json:"size_bytes"`
	Count       int            `json:"count"`
	Capacity    int            `json:"capacity,omitempty"`
	ByPriority  map[string]int `json:"by_priority"`
	Unembedded  int            `json:"unembedded"`
	LexicalKind string         `json:"lexical_index"`
	VectorKind  string         `json:"vector_index"`
}

const defaultCacheSize = 512

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStorage, err)
}

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t.UTC()
}
