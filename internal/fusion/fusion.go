// Package fusion merges ranked lists from several indexes and tiers with
// weighted reciprocal rank fusion.
package fusion

import (
	"sort"
	"sync"
	"time"

	"github.com/rcliao/tiered-memory/internal/model"
)

// DefaultK is the standard RRF smoothing constant.
const DefaultK = 60

// =============================================================================
// Types
// =============================================================================

// Candidate is one ranked item plus the metadata used to break score ties.
type Candidate struct {
	ID            string
	LastTouchedAt time.Time
	Tier          model.Tier
}

// List is one ranking. Items are in rank order, best first.
// A zero Weight counts as 1.
type List struct {
	Name   string
	Weight float64
	Items  []Candidate
}

// Scored is a fused result.
type Scored struct {
	Candidate
	Score float64
	// Sources names the lists the item appeared in.
	Sources []string
}

// =============================================================================
// Fuser
// =============================================================================

// Fuser implements weighted reciprocal rank fusion:
// score(id) = sum over lists of weight / (k + rank), rank starting at 1.
// Safe for concurrent use.
type Fuser struct {
	mu sync.RWMutex
	k  int
}

// NewFuser creates a Fuser. k < 1 falls back to DefaultK.
func NewFuser(k int) *Fuser {
	if k < 1 {
		k = DefaultK
	}
	return &Fuser{k: k}
}

// K returns the smoothing constant.
func (f *Fuser) K() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.k
}

// SetK updates the smoothing constant. k < 1 falls back to DefaultK.
func (f *Fuser) SetK(k int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k < 1 {
		k = DefaultK
	}
	f.k = k
}

// Fuse merges lists into one ordering with no duplicate ids. Ties on score go
// to the more recently touched item, then the hotter tier, then the smaller id.
// An id repeated within one list only counts at its best rank.
func (f *Fuser) Fuse(lists ...List) []Scored {
	k := float64(f.K())

	byID := make(map[string]*Scored)
	var order []string
	for _, l := range lists {
		w := l.Weight
		if w == 0 {
			w = 1
		}
		seen := make(map[string]bool, len(l.Items))
		rank := 0
		for _, c := range l.Items {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			rank++

			s, ok := byID[c.ID]
			if !ok {
				s = &Scored{Candidate: c}
				byID[c.ID] = s
				order = append(order, c.ID)
			} else {
				// The same id can surface from two tiers mid-migration; keep the
				// hottest copy and the freshest touch.
				if c.Tier < s.Tier {
					s.Tier = c.Tier
				}
				if c.LastTouchedAt.After(s.LastTouchedAt) {
					s.LastTouchedAt = c.LastTouchedAt
				}
			}
			s.Score += w / (k + float64(rank))
			if l.Name != "" {
				s.Sources = append(s.Sources, l.Name)
			}
		}
	}

	out := make([]Scored, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// Less reports whether a ranks before b.
func Less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.LastTouchedAt.Equal(b.LastTouchedAt) {
		return a.LastTouchedAt.After(b.LastTouchedAt)
	}
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	return a.ID < b.ID
}

// Filter drops results scoring below min and truncates to topK (topK <= 0 keeps all).
func Filter(results []Scored, min float64, topK int) []Scored {
	out := results[:0:0]
	for _, r := range results {
		if r.Score < min {
			continue
		}
		out = append(out, r)
		if topK > 0 && len(out) == topK {
			break
		}
	}
	return out
}
