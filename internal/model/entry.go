// Package model defines the core memory data types.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Priority is an entry's retention class. Higher values outrank lower ones.
type Priority int

const (
	Transient Priority = iota
	Session
	Core
)

var priorityNames = map[Priority]string{
	Transient: "transient",
	Session:   "session",
	Core:      "core",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority parses a priority name. Unknown names are an invalid transition.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown priority %q (use core, session, transient)", ErrInvalidTransition, s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Tier is a storage class. Hot < Warm < Cold is also the global lock order.
type Tier int

const (
	Hot Tier = iota
	Warm
	Cold
)

// AllTiers lists every tier in lock order.
var AllTiers = []Tier{Hot, Warm, Cold}

var tierNames = map[Tier]string{
	Hot:  "hot",
	Warm: "warm",
	Cold: "cold",
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// ParseTier parses a tier name.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tier %q (use hot, warm, cold)", ErrInvalidArgument, s)
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Tier) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Depth selects which tiers a search contacts.
type Depth int

const (
	HotOnly Depth = iota
	HotWarm
	All
)

// Tiers returns the tiers covered by d.
func (d Depth) Tiers() []Tier {
	switch d {
	case HotOnly:
		return []Tier{Hot}
	case HotWarm:
		return []Tier{Hot, Warm}
	default:
		return AllTiers
	}
}

func (d Depth) String() string {
	switch d {
	case HotOnly:
		return "hot"
	case HotWarm:
		return "warm"
	case All:
		return "all"
	}
	return fmt.Sprintf("depth(%d)", int(d))
}

// ParseDepth accepts hot, warm and all, plus the aliases hot-only, hot-warm and deep.
func ParseDepth(s string) (Depth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hot", "hot-only", "hotonly":
		return HotOnly, nil
	case "warm", "hot-warm", "hotwarm":
		return HotWarm, nil
	case "all", "deep", "cold":
		return All, nil
	}
	return 0, fmt.Errorf("%w: unknown depth %q (use hot, warm, all)", ErrInvalidArgument, s)
}

// MemoryEntry is the atomic unit of storage.
type MemoryEntry struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Priority      Priority  `json:"priority"`
	Tier          Tier      `json:"tier"`
	CreatedAt     time.Time `json:"created_at"`
	LastTouchedAt time.Time `json:"last_touched_at"`
	Embedding     []float32 `json:"embedding,omitempty"`
	ContentHash   string    `json:"content_hash"`
	Source        string    `json:"source,omitempty"`
}

// HasEmbedding reports whether the entry carries a vector.
func (e *MemoryEntry) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

// TouchedAt returns LastTouchedAt, or CreatedAt if the entry was never touched.
func (e *MemoryEntry) TouchedAt() time.Time {
	if e.LastTouchedAt.IsZero() {
		return e.CreatedAt
	}
	return e.LastTouchedAt
}

// NormalizeContent lower-cases text and collapses whitespace runs.
func NormalizeContent(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	space := false
	for _, r := range strings.TrimSpace(content) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ContentHash returns the hex sha256 of the normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}
