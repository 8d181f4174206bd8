// Package engine is the tiered memory facade. It owns the Hot, Warm and Cold
// tier stores and coordinates writes, fused search and background maintenance.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/archiver"
	"github.com/rcliao/tiered-memory/internal/dedup"
	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/fusion"
	"github.com/rcliao/tiered-memory/internal/index"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

// Defaults for zero-valued Options.
const (
	DefaultTierTimeout   = 2 * time.Second
	DefaultDeadline      = 5 * time.Second
	DefaultEmbedTimeout  = 10 * time.Second
	DefaultBackfillBatch = 100
)

// TierOptions configures one tier. Empty index kinds use the tier's default.
type TierOptions struct {
	Capacity  int
	Lexical   string
	Vector    string
	CacheSize int
}

// DefaultTierOptions keeps Hot fully in memory for fast reads, Warm fully
// durable, and Cold on FTS with an in-memory vector index.
func DefaultTierOptions(t model.Tier) TierOptions {
	switch t {
	case model.Hot:
		return TierOptions{Capacity: 10000, Lexical: index.LexicalBleve, Vector: index.VectorChromem}
	case model.Warm:
		return TierOptions{Lexical: index.LexicalFTS, Vector: index.VectorFlat}
	default:
		return TierOptions{Lexical: index.LexicalFTS, Vector: index.VectorChromem}
	}
}

// Options configures an Engine.
type Options struct {
	Dir   string
	Tiers map[model.Tier]TierOptions

	Policy   archiver.Policy // zero uses archiver.DefaultPolicy
	Schedule string          // cron spec for Start; empty uses archiver.DefaultSchedule

	// Embedder may be nil, in which case the engine runs lexical-only.
	Embedder     embedding.Embedder
	EmbedTimeout time.Duration

	RRFK          int
	LexicalWeight float64
	VectorWeight  float64
	TierTimeout   time.Duration
	Deadline      time.Duration

	DedupThreshold float64
	DedupPolicy    dedup.Policy
	BackfillBatch  int // entries re-embedded per tier per maintenance pass; negative disables

	Logger zerolog.Logger
	Now    func() time.Time
}

// tierStore is the part of *store.TierStore the engine depends on.
type tierStore interface {
	Tier() model.Tier
	Add(ctx context.Context, e model.MemoryEntry) error
	Get(ctx context.Context, id string) (model.MemoryEntry, error)
	Delete(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, e model.MemoryEntry) error
	Touch(ctx context.Context, ids []string, t time.Time) error
	Search(ctx context.Context, p store.SearchParams) (*store.SearchResult, error)
	Snapshot(ctx context.Context) ([]model.MemoryEntry, error)
	List(ctx context.Context, p store.ListParams) ([]model.MemoryEntry, error)
	Missing(ctx context.Context, limit int) ([]model.MemoryEntry, error)
	Stats(ctx context.Context) (*store.Stats, error)
	Close() error
}

// Engine coordinates the three tiers. It is safe for concurrent use.
type Engine struct {
	opts  Options
	tiers [3]tierStore
	// locks serialize mutations per tier; multi-tier holders lock Hot<Warm<Cold.
	locks [3]sync.Mutex

	embedder  embedding.Embedder
	embedDown atomic.Bool
	fuser     *fusion.Fuser
	archiver  *archiver.Archiver
	scheduler *archiver.Scheduler
	metrics   *metrics
	log       zerolog.Logger
	now       func() time.Time

	idMu    sync.Mutex
	entropy io.Reader

	maintMu sync.Mutex
	closed  bool // guarded by maintMu
	// cancelJobs stops the context scheduled passes run under.
	jobMu      sync.Mutex
	cancelJobs context.CancelFunc

	lastMu  sync.RWMutex
	last    *MaintenanceResult
}

// New opens (or creates) the tier databases under opts.Dir.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: data dir is required", model.ErrInvalidArgument)
	}
	if opts.Policy == (archiver.Policy{}) {
		opts.Policy = archiver.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TierTimeout <= 0 {
		opts.TierTimeout = DefaultTierTimeout
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = DefaultEmbedTimeout
	}
	if opts.LexicalWeight == 0 && opts.VectorWeight == 0 {
		opts.LexicalWeight, opts.VectorWeight = 1, 1
	}
	if opts.DedupThreshold <= 0 {
		opts.DedupThreshold = dedup.DefaultThreshold
	}
	if opts.BackfillBatch == 0 {
		opts.BackfillBatch = DefaultBackfillBatch
	}

	e := &Engine{
		opts:      opts,
		embedder:  opts.Embedder,
		fuser:     fusion.NewFuser(opts.RRFK),
		archiver:  archiver.New(opts.Policy, opts.Now, opts.Logger),
		scheduler: archiver.NewScheduler(opts.Logger),
		metrics:   newMetrics(opts.Logger),
		log:       opts.Logger,
		now:       opts.Now,
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}

	for _, t := range model.AllTiers {
		to, ok := opts.Tiers[t]
		if !ok {
			to = DefaultTierOptions(t)
		}
		def := DefaultTierOptions(t)
		if to.Lexical == "" {
			to.Lexical = def.Lexical
		}
		if to.Vector == "" {
			to.Vector = def.Vector
		}
		s, err := store.Open(ctx, store.Options{
			Tier:      t,
			Dir:       filepath.Clean(opts.Dir),
			Capacity:  to.Capacity,
			Lexical:   to.Lexical,
			Vector:    to.Vector,
			CacheSize: to.CacheSize,
			Logger:    opts.Logger,
		})
		if err != nil {
			e.closeTiers()
			return nil, fmt.Errorf("open %s tier: %w", t, err)
		}
		e.tiers[t] = s
	}
	return e, nil
}

// Start begins scheduled maintenance. ctx bounds every scheduled pass.
func (e *Engine) Start(ctx context.Context) error {
	jobCtx, cancel := context.WithCancel(ctx)
	err := e.scheduler.Start(jobCtx, e.opts.Schedule, func(ctx context.Context) {
		res, err := e.RunMaintenance(ctx)
		if err != nil {
			e.log.Error().Err(err).Msg("scheduled maintenance failed")
			return
		}
		e.log.Info().Int("migrated", res.Migrated).Int("deleted", res.Deleted).
			Int("merged", res.Merged).Int("failed", res.Failed).Msg("scheduled maintenance done")
	})
	if err != nil {
		cancel()
		return err
	}
	e.jobMu.Lock()
	e.cancelJobs = cancel
	e.jobMu.Unlock()
	return nil
}

// Close cancels a running maintenance pass, stops the scheduler and closes
// every tier once no pass holds them.
func (e *Engine) Close() error {
	e.jobMu.Lock()
	if e.cancelJobs != nil {
		e.cancelJobs()
		e.cancelJobs = nil
	}
	e.jobMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.scheduler.Stop(ctx)

	e.maintMu.Lock()
	defer e.maintMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.closeTiers()
}

func (e *Engine) closeTiers() error {
	var errs []error
	for _, s := range e.tiers {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}

// lock acquires the given tiers' mutation locks in global order and returns
// the matching unlock.
func (e *Engine) lock(tiers ...model.Tier) func() {
	var want [3]bool
	for _, t := range tiers {
		want[t] = true
	}
	var held []model.Tier
	for _, t := range model.AllTiers {
		if want[t] {
			e.locks[t].Lock()
			held = append(held, t)
		}
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			e.locks[held[i]].Unlock()
		}
	}
}

func (e *Engine) newID(t time.Time) string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), e.entropy).String()
}

// embed asks the provider for a vector. Any failure is reported as
// unavailable and never returned to the caller.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, bool) {
	if e.embedder == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
	defer cancel()

	vec, err := e.embedder.Embed(ctx, text)
	if err == nil && len(vec) == 0 {
		err = errors.New("empty vector")
	}
	if err != nil {
		if !e.embedDown.Swap(true) {
			e.log.Warn().Err(fmt.Errorf("%w: %w", model.ErrEmbeddingUnavailable, err)).Msg("embedding provider unavailable, lexical only")
		}
		e.metrics.embedFailed(ctx)
		return nil, false
	}
	if e.embedDown.Swap(false) {
		e.log.Info().Msg("embedding provider recovered")
	}
	return vec, true
}

// WriteParams holds parameters for Write.
type WriteParams struct {
	Content  string
	Priority model.Priority
	Source   string
}

// WriteResult reports where a write landed.
type WriteResult struct {
	ID                   string     `json:"id"`
	Tier                 model.Tier `json:"tier"`
	CreatedAt            time.Time  `json:"created_at"`
	EmbeddingUnavailable bool       `json:"embedding_unavailable,omitempty"`
}

// Write stores a new entry in Hot. The entry is searchable as soon as Write
// returns. A missing embedding is flagged, not an error.
func (e *Engine) Write(ctx context.Context, p WriteParams) (*WriteResult, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", model.ErrInvalidArgument)
	}
	if !p.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %d", model.ErrInvalidTransition, p.Priority)
	}

	now := e.now()
	entry := model.MemoryEntry{
		ID:            e.newID(now),
		Content:       p.Content,
		Priority:      p.Priority,
		Tier:          model.Hot,
		CreatedAt:     now,
		LastTouchedAt: now,
		ContentHash:   model.ContentHash(p.Content),
		Source:        p.Source,
	}
	vec, ok := e.embed(ctx, p.Content)
	entry.Embedding = vec

	unlock := e.lock(model.Hot)
	err := e.tiers[model.Hot].Add(ctx, entry)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	e.metrics.wrote(ctx, p.Priority, ok)
	e.log.Debug().Str("id", entry.ID).Str("priority", p.Priority.String()).Bool("embedded", ok).Msg("wrote entry")
	return &WriteResult{ID: entry.ID, Tier: model.Hot, CreatedAt: now, EmbeddingUnavailable: !ok}, nil
}

// locate returns every stored copy of id, hottest first.
func (e *Engine) locate(ctx context.Context, id string) ([]model.MemoryEntry, error) {
	var found []model.MemoryEntry
	for _, s := range e.tiers {
		got, err := s.Get(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = append(found, got)
	}
	return found, nil
}

// Get returns the entry and touches it.
func (e *Engine) Get(ctx context.Context, id string) (*model.MemoryEntry, error) {
	found, err := e.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	got := found[0]
	now := e.now()
	if err := e.tiers[got.Tier].Touch(ctx, []string{id}, now); err != nil {
		e.log.Warn().Err(err).Str("id", id).Msg("touch failed")
	} else if now.After(got.LastTouchedAt) {
		got.LastTouchedAt = now
	}
	return &got, nil
}

// Upgrade raises an entry's priority. Lowering fails with
// ErrInvalidTransition; the current level is a no-op.
func (e *Engine) Upgrade(ctx context.Context, id string, level model.Priority) (*model.MemoryEntry, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %d", model.ErrInvalidTransition, level)
	}

	unlock := e.lock(model.AllTiers...)
	defer unlock()

	found, err := e.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	for _, cur := range found {
		if level < cur.Priority {
			return nil, fmt.Errorf("%w: %s is %s, cannot lower to %s", model.ErrInvalidTransition, id, cur.Priority, level)
		}
	}

	// Copies left by an interrupted migration are upgraded together.
	for i, cur := range found {
		if cur.Priority == level {
			continue
		}
		cur.Priority = level
		if err := e.tiers[cur.Tier].Update(ctx, cur); err != nil {
			return nil, fmt.Errorf("upgrade: %w", err)
		}
		found[i] = cur
	}
	e.log.Info().Str("id", id).Str("priority", level.String()).Msg("upgraded entry")
	return &found[0], nil
}

// Delete removes id from every tier holding it.
func (e *Engine) Delete(ctx context.Context, id string) error {
	unlock := e.lock(model.AllTiers...)
	defer unlock()

	removed := false
	for _, s := range e.tiers {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		removed = removed || ok
	}
	if !removed {
		return fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	e.log.Debug().Str("id", id).Msg("deleted entry")
	return nil
}
