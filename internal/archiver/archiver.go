// Package archiver enforces tier migration and expiry policy.
//
// A pass snapshots every tier, decides what should move or expire, and
// applies each action through a Mover. Moves are copy-then-delete, so a crash
// mid-move can leave the entry in two tiers; the exact-hash dedup path
// resolves that on a later pass.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Default thresholds.
const (
	DefaultHotAfter       = 7 * 24 * time.Hour
	DefaultColdAfter      = 30 * 24 * time.Hour
	DefaultTransientAfter = 24 * time.Hour
)

// Policy holds the age thresholds.
type Policy struct {
	// HotAfter moves Session entries out of Hot once untouched this long.
	HotAfter time.Duration
	// ColdAfter moves non-Core entries from Warm to Cold at this total age.
	ColdAfter time.Duration
	// TransientAfter deletes Transient entries at this total age, in any tier.
	TransientAfter time.Duration
}

// DefaultPolicy returns the 7d/30d/1d policy.
func DefaultPolicy() Policy {
	return Policy{
		HotAfter:       DefaultHotAfter,
		ColdAfter:      DefaultColdAfter,
		TransientAfter: DefaultTransientAfter,
	}
}

// Validate checks that thresholds are positive and HotAfter < ColdAfter.
func (p Policy) Validate() error {
	if p.HotAfter <= 0 || p.ColdAfter <= 0 || p.TransientAfter <= 0 {
		return fmt.Errorf("%w: thresholds must be positive", model.ErrInvalidArgument)
	}
	if p.HotAfter >= p.ColdAfter {
		return fmt.Errorf("%w: hot threshold %s must be less than cold threshold %s",
			model.ErrInvalidArgument, p.HotAfter, p.ColdAfter)
	}
	return nil
}

// ActionKind is what a pass does to one entry.
type ActionKind int

const (
	Migrate ActionKind = iota
	Expire
)

func (k ActionKind) String() string {
	if k == Expire {
		return "expire"
	}
	return "migrate"
}

// Action is one planned change.
type Action struct {
	Kind  ActionKind
	Entry model.MemoryEntry
	To    model.Tier // Migrate only
}

// Plan decides the actions for a snapshot of entries at time now.
func (p Policy) Plan(entries []model.MemoryEntry, now time.Time) []Action {
	var actions []Action
	for _, e := range entries {
		if a, ok := p.decide(e, now); ok {
			actions = append(actions, a)
		}
	}
	return actions
}

func (p Policy) decide(e model.MemoryEntry, now time.Time) (Action, bool) {
	switch e.Priority {
	case model.Core:
		return Action{}, false
	case model.Transient:
		if now.Sub(e.CreatedAt) >= p.TransientAfter {
			return Action{Kind: Expire, Entry: e}, true
		}
	}

	target := e.Tier
	if target == model.Hot && e.Priority == model.Session && now.Sub(e.TouchedAt()) >= p.HotAfter {
		target = model.Warm
	}
	if target == model.Warm && now.Sub(e.CreatedAt) >= p.ColdAfter {
		target = model.Cold
	}
	if target != e.Tier {
		return Action{Kind: Migrate, Entry: e, To: target}, true
	}
	return Action{}, false
}

// ErrSkipped is returned by a Mover when the entry changed since the snapshot
// and the action no longer applies. Skips are neither counted nor retried.
var ErrSkipped = errors.New("entry no longer eligible")

// Mover applies actions to the tiers. Implementations must keep the
// copy-then-delete order for migrations and lock tiers in Hot<Warm<Cold order.
type Mover interface {
	Snapshot(ctx context.Context, tier model.Tier) ([]model.MemoryEntry, error)
	Move(ctx context.Context, e model.MemoryEntry, to model.Tier) error
	Expire(ctx context.Context, e model.MemoryEntry) error
}

// Result summarizes one pass.
type Result struct {
	Migrated int `json:"migrated"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// Archiver runs passes of a Policy.
type Archiver struct {
	policy Policy
	now    func() time.Time
	log    zerolog.Logger
}

// New creates an Archiver. A nil now uses time.Now.
func New(policy Policy, now func() time.Time, log zerolog.Logger) *Archiver {
	if now == nil {
		now = time.Now
	}
	return &Archiver{policy: policy, now: now, log: log}
}

// Policy returns the thresholds in use.
func (a *Archiver) Policy() Policy { return a.policy }

// Due reports whether act still applies to the current state of its entry.
func (p Policy) Due(current model.MemoryEntry, act Action, now time.Time) bool {
	got, ok := p.decide(current, now)
	if !ok || got.Kind != act.Kind {
		return false
	}
	return act.Kind == Expire || got.To == act.To
}

// Run performs one pass. Per-entry failures are logged and counted and the
// entry is retried on the next pass; only a failed snapshot or a cancelled
// context ends the pass early.
func (a *Archiver) Run(ctx context.Context, m Mover) (Result, error) {
	var res Result
	now := a.now()

	// Coldest first so an entry moved down during this pass is not seen twice.
	for i := len(model.AllTiers) - 1; i >= 0; i-- {
		tier := model.AllTiers[i]
		entries, err := m.Snapshot(ctx, tier)
		if err != nil {
			return res, fmt.Errorf("snapshot %s: %w", tier, err)
		}

		for _, act := range a.policy.Plan(entries, now) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			ev := a.log.With().Str("id", act.Entry.ID).Str("action", act.Kind.String()).
				Str("from", tier.String()).Logger()

			switch act.Kind {
			case Expire:
				err = m.Expire(ctx, act.Entry)
			case Migrate:
				err = m.Move(ctx, act.Entry, act.To)
			}
			if errors.Is(err, ErrSkipped) {
				ev.Debug().Msg("skipped, entry changed since snapshot")
				continue
			}
			if err != nil {
				res.Failed++
				ev.Warn().Err(err).Msg("maintenance action failed, will retry next pass")
				continue
			}
			if act.Kind == Expire {
				res.Deleted++
				ev.Debug().Msg("expired")
			} else {
				res.Migrated++
				ev.Debug().Str("to", act.To.String()).Msg("migrated")
			}
		}
	}
	return res, nil
}
