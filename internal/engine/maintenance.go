package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcliao/tiered-memory/internal/archiver"
	"github.com/rcliao/tiered-memory/internal/dedup"
	"github.com/rcliao/tiered-memory/internal/model"
)

// MaintenanceResult summarizes one maintenance pass.
type MaintenanceResult struct {
	Migrated   int           `json:"migrated"`
	Deleted    int           `json:"deleted"`
	Merged     int           `json:"merged"`
	Failed     int           `json:"failed,omitempty"`
	Backfilled int           `json:"backfilled,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// RunMaintenance runs one archiver pass, one dedup pass and an embedding
// backfill. Passes are serialized; reads and writes continue meanwhile. With
// no new writes and a fixed clock a second pass changes nothing.
func (e *Engine) RunMaintenance(ctx context.Context) (*MaintenanceResult, error) {
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	start := time.Now()
	res := &MaintenanceResult{StartedAt: e.now()}

	ar, err := e.archiver.Run(ctx, mover{e})
	res.Migrated, res.Deleted, res.Failed = ar.Migrated, ar.Deleted, ar.Failed
	if err != nil {
		return res, fmt.Errorf("archive: %w", err)
	}

	merged, err := e.dedup(ctx, e.opts.DedupPolicy)
	res.Merged = merged
	if err != nil {
		return res, fmt.Errorf("dedup: %w", err)
	}

	if e.embedder != nil && e.opts.BackfillBatch > 0 {
		n, err := e.backfill(ctx, e.opts.BackfillBatch)
		res.Backfilled = n
		if err != nil && !errors.Is(err, model.ErrEmbeddingUnavailable) {
			return res, fmt.Errorf("backfill: %w", err)
		}
	}
	res.Duration = time.Since(start)

	e.lastMu.Lock()
	last := *res
	e.last = &last
	e.lastMu.Unlock()

	e.metrics.maintained(ctx, res)
	e.log.Debug().Int("migrated", res.Migrated).Int("deleted", res.Deleted).Int("merged", res.Merged).
		Int("failed", res.Failed).Int("backfilled", res.Backfilled).Dur("took", res.Duration).Msg("maintenance pass")
	return res, nil
}

// LastMaintenance returns the most recent completed pass, or nil.
func (e *Engine) LastMaintenance() *MaintenanceResult {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return nil
	}
	last := *e.last
	return &last
}

// mover applies archiver actions. Each action re-reads its entry under the
// tier locks and skips it if the entry changed since the snapshot.
type mover struct{ e *Engine }

func (m mover) Snapshot(ctx context.Context, t model.Tier) ([]model.MemoryEntry, error) {
	return m.e.tiers[t].Snapshot(ctx)
}

// Move copies the entry into the destination tier, then deletes the source.
// A crash between the two leaves a duplicate that dedup resolves by hash.
func (m mover) Move(ctx context.Context, entry model.MemoryEntry, to model.Tier) error {
	e := m.e
	from := entry.Tier
	unlock := e.lock(from, to)
	defer unlock()

	cur, err := e.tiers[from].Get(ctx, entry.ID)
	if errors.Is(err, model.ErrNotFound) {
		return archiver.ErrSkipped
	}
	if err != nil {
		return err
	}
	if !e.archiver.Policy().Due(cur, archiver.Action{Kind: archiver.Migrate, Entry: entry, To: to}, e.now()) {
		return archiver.ErrSkipped
	}

	cur.Tier = to
	if err := e.tiers[to].Add(ctx, cur); err != nil {
		return fmt.Errorf("copy to %s: %w", to, err)
	}
	if _, err := e.tiers[from].Delete(ctx, cur.ID); err != nil {
		return fmt.Errorf("remove from %s: %w", from, err)
	}
	return nil
}

func (m mover) Expire(ctx context.Context, entry model.MemoryEntry) error {
	e := m.e
	unlock := e.lock(entry.Tier)
	defer unlock()

	cur, err := e.tiers[entry.Tier].Get(ctx, entry.ID)
	if errors.Is(err, model.ErrNotFound) {
		return archiver.ErrSkipped
	}
	if err != nil {
		return err
	}
	if !e.archiver.Policy().Due(cur, archiver.Action{Kind: archiver.Expire, Entry: entry}, e.now()) {
		return archiver.ErrSkipped
	}
	_, err = e.tiers[entry.Tier].Delete(ctx, cur.ID)
	return err
}

// Dedup merges duplicate entries across all tiers and returns how many
// entries were merged away. A nil policy uses the engine default.
func (e *Engine) Dedup(ctx context.Context, policy *dedup.Policy) (int, error) {
	p := e.opts.DedupPolicy
	if policy != nil {
		p = *policy
	}
	e.maintMu.Lock()
	defer e.maintMu.Unlock()
	return e.dedup(ctx, p)
}

func (e *Engine) dedup(ctx context.Context, policy dedup.Policy) (int, error) {
	var all []model.MemoryEntry
	for _, s := range e.tiers {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			return 0, err
		}
		all = append(all, snap...)
	}

	clusters := dedup.Detect(all, e.opts.DedupThreshold)
	merged := 0
	for _, mg := range dedup.Plan(clusters, policy, e.now()) {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		n, err := e.applyMerge(ctx, mg)
		merged += n
		if err != nil {
			e.log.Warn().Err(err).Str("id", mg.Survivor.ID).Msg("merge failed, will retry next pass")
		}
	}
	return merged, nil
}

// applyMerge updates the survivor and deletes the losers under every tier lock.
func (e *Engine) applyMerge(ctx context.Context, mg dedup.Merge) (int, error) {
	unlock := e.lock(model.AllTiers...)
	defer unlock()

	survivor, err := e.tiers[mg.Survivor.Tier].Get(ctx, mg.Survivor.ID)
	if errors.Is(err, model.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	// Priorities may have been raised since the snapshot; never lose the highest.
	priority := max(survivor.Priority, mg.Survivor.Priority)
	source := survivor.Source
	var losers []dedup.Ref
	for _, ref := range mg.Losers {
		cur, err := e.tiers[ref.Tier].Get(ctx, ref.ID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		priority = max(priority, cur.Priority)
		if source == "" {
			source = cur.Source
		}
		losers = append(losers, ref)
	}
	if len(losers) == 0 {
		return 0, nil
	}

	survivor.Priority = priority
	survivor.LastTouchedAt = mg.Survivor.LastTouchedAt
	survivor.Source = source
	if err := e.tiers[survivor.Tier].Update(ctx, survivor); err != nil {
		return 0, err
	}

	n := 0
	for _, ref := range losers {
		if _, err := e.tiers[ref.Tier].Delete(ctx, ref.ID); err != nil {
			return n, err
		}
		n++
		e.log.Debug().Str("id", ref.ID).Str("tier", ref.Tier.String()).Str("into", survivor.ID).Msg("merged duplicate")
	}
	return n, nil
}

// Backfill embeds up to batch entries per tier that have no embedding.
func (e *Engine) Backfill(ctx context.Context, batch int) (int, error) {
	if e.embedder == nil {
		return 0, fmt.Errorf("%w: no embedding provider configured", model.ErrEmbeddingUnavailable)
	}
	e.maintMu.Lock()
	defer e.maintMu.Unlock()
	return e.backfill(ctx, batch)
}

func (e *Engine) backfill(ctx context.Context, batch int) (int, error) {
	done := 0
	for _, t := range model.AllTiers {
		missing, err := e.tiers[t].Missing(ctx, batch)
		if err != nil {
			return done, err
		}
		for _, m := range missing {
			vec, ok := e.embed(ctx, m.Content)
			if !ok {
				return done, model.ErrEmbeddingUnavailable
			}
			updated, err := e.setEmbedding(ctx, t, m.ID, vec)
			if err != nil {
				return done, err
			}
			if updated {
				done++
			}
		}
	}
	if done > 0 {
		e.log.Info().Int("entries", done).Msg("backfilled embeddings")
	}
	return done, nil
}

func (e *Engine) setEmbedding(ctx context.Context, t model.Tier, id string, vec []float32) (bool, error) {
	unlock := e.lock(t)
	defer unlock()

	cur, err := e.tiers[t].Get(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.HasEmbedding() {
		return false, nil
	}
	cur.Embedding = vec
	return true, e.tiers[t].Update(ctx, cur)
}
