package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rcliao/tiered-memory/internal/archiver"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

// ListParams holds parameters for List.
type ListParams struct {
	Tier     *model.Tier
	Priority *model.Priority
	Limit    int
}

// List returns entries newest first, from one tier or all of them.
func (e *Engine) List(ctx context.Context, p ListParams) ([]model.MemoryEntry, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	tiers := model.AllTiers
	if p.Tier != nil {
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("%w: unknown tier %d", model.ErrInvalidArgument, *p.Tier)
		}
		tiers = []model.Tier{*p.Tier}
	}

	var out []model.MemoryEntry
	for _, t := range tiers {
		got, err := e.tiers[t].List(ctx, store.ListParams{Priority: p.Priority, Limit: p.Limit})
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// Export returns every entry in every tier, hottest tier first.
func (e *Engine) Export(ctx context.Context) ([]model.MemoryEntry, error) {
	var out []model.MemoryEntry
	for _, s := range e.tiers {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", s.Tier(), err)
		}
		out = append(out, snap...)
	}
	return out, nil
}

// ImportResult reports how an import went.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// Import restores exported entries into the tiers they name. Missing ids,
// hashes and timestamps are filled in; entries without an embedding get one
// when the provider is available. Invalid entries are skipped and reported.
func (e *Engine) Import(ctx context.Context, entries []model.MemoryEntry) (*ImportResult, error) {
	res := &ImportResult{}
	now := e.now()
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if strings.TrimSpace(entry.Content) == "" || !entry.Priority.Valid() || !entry.Tier.Valid() {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("entry %d: invalid content, priority or tier", i))
			continue
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if entry.LastTouchedAt.IsZero() {
			entry.LastTouchedAt = entry.CreatedAt
		}
		if entry.ID == "" {
			entry.ID = e.newID(entry.CreatedAt)
		}
		entry.ContentHash = model.ContentHash(entry.Content)
		if !entry.HasEmbedding() {
			entry.Embedding, _ = e.embed(ctx, entry.Content)
		}

		unlock := e.lock(entry.Tier)
		err := e.tiers[entry.Tier].Add(ctx, entry)
		unlock()
		if err != nil {
			if errors.Is(err, model.ErrStorage) {
				return res, fmt.Errorf("import: %w", err)
			}
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("entry %s: %v", entry.ID, err))
			continue
		}
		res.Imported++
	}
	return res, nil
}

// Stats describes the engine's state.
type Stats struct {
	Tiers           []store.Stats      `json:"tiers"`
	Total           int                `json:"total"`
	LastMaintenance *MaintenanceResult `json:"last_maintenance,omitempty"`
	Embedding       EmbeddingStatus    `json:"embedding"`
	Thresholds      Thresholds         `json:"thresholds"`
	Schedule        string             `json:"schedule"`
	Scheduled       bool               `json:"scheduled"`
}

// EmbeddingStatus reports the provider as last observed.
type EmbeddingStatus struct {
	Configured bool `json:"configured"`
	Available  bool `json:"available"`
	Dims       int  `json:"dims,omitempty"`
}

// Thresholds are the archiver's age limits, as Go duration strings.
type Thresholds struct {
	Hot       string `json:"hot"`
	Cold      string `json:"cold"`
	Transient string `json:"transient"`
}

func thresholdsOf(p archiver.Policy) Thresholds {
	return Thresholds{Hot: p.HotAfter.String(), Cold: p.ColdAfter.String(), Transient: p.TransientAfter.String()}
}

// Stats returns per-tier counts and sizes plus maintenance and provider state.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		LastMaintenance: e.LastMaintenance(),
		Thresholds:      thresholdsOf(e.archiver.Policy()),
		Schedule:        e.opts.Schedule,
		Scheduled:       e.scheduler.Running(),
	}
	if st.Schedule == "" {
		st.Schedule = archiver.DefaultSchedule
	}
	if e.embedder != nil {
		st.Embedding = EmbeddingStatus{Configured: true, Available: !e.embedDown.Load(), Dims: e.embedder.Dims()}
	}
	for _, s := range e.tiers {
		ts, err := s.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", s.Tier(), err)
		}
		st.Tiers = append(st.Tiers, *ts)
		st.Total += ts.Count
	}
	return st, nil
}
