// Package dedup finds and plans merges of near-duplicate memory entries.
//
// Detection first groups entries with identical content hashes, then joins
// groups whose embeddings are at least threshold-similar. Clusters are
// transitive. Comparison spans every tier.
package dedup

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/model"
)

// DefaultThreshold is the cosine similarity at which two entries are duplicates.
const DefaultThreshold = 0.9

// Policy chooses the surviving entry of a cluster.
type Policy int

const (
	// Newest keeps the most recently created entry.
	Newest Policy = iota
	// HighestPriority keeps the highest priority entry, newest among equals.
	HighestPriority
)

func (p Policy) String() string {
	if p == HighestPriority {
		return "highestPriority"
	}
	return "newest"
}

// ParsePolicy accepts newest and highestPriority (also highest-priority, priority).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "newest", "":
		return Newest, nil
	case "highestpriority", "highest-priority", "highest_priority", "priority":
		return HighestPriority, nil
	}
	return 0, fmt.Errorf("%w: unknown merge policy %q", model.ErrInvalidArgument, s)
}

// Ref identifies one stored copy. The same id can live in two tiers after an
// interrupted migration, so copies are keyed by tier as well.
type Ref struct {
	ID   string
	Tier model.Tier
}

// Cluster is a set of entries judged to be duplicates of each other.
type Cluster []model.MemoryEntry

// Merge is the planned resolution of one cluster.
type Merge struct {
	Survivor model.MemoryEntry // with its merged priority and touch time applied
	Losers   []Ref
}

// Detect groups entries into duplicate clusters of two or more.
func Detect(entries []model.MemoryEntry, threshold float64) []Cluster {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	uf := newUnionFind(len(entries))

	byHash := make(map[string]int)
	for i, e := range entries {
		if first, ok := byHash[e.ContentHash]; ok {
			uf.union(first, i)
		} else {
			byHash[e.ContentHash] = i
		}
	}

	for i := range entries {
		if !entries[i].HasEmbedding() {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			if !entries[j].HasEmbedding() || uf.find(i) == uf.find(j) {
				continue
			}
			if embedding.CosineSimilarity(entries[i].Embedding, entries[j].Embedding) >= threshold {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	for i := range entries {
		root := uf.find(i)
		groups[root] = append(groups[root], i)
	}

	var clusters []Cluster
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		c := make(Cluster, 0, len(members))
		for _, i := range members {
			c = append(c, entries[i])
		}
		clusters = append(clusters, c)
	}
	// Stable output keeps maintenance logs and tests deterministic.
	sort.Slice(clusters, func(i, j int) bool {
		return minID(clusters[i]) < minID(clusters[j])
	})
	return clusters
}

// Plan picks a survivor for each cluster. The survivor takes the highest
// priority found in its cluster and is touched at now.
func Plan(clusters []Cluster, policy Policy, now time.Time) []Merge {
	merges := make([]Merge, 0, len(clusters))
	for _, c := range clusters {
		if len(c) < 2 {
			continue
		}
		best := 0
		maxPriority := c[0].Priority
		for i := 1; i < len(c); i++ {
			if better(c[i], c[best], policy) {
				best = i
			}
			if c[i].Priority > maxPriority {
				maxPriority = c[i].Priority
			}
		}

		survivor := c[best]
		survivor.Priority = maxPriority
		survivor.LastTouchedAt = now

		m := Merge{Survivor: survivor}
		for i, e := range c {
			if i != best {
				m.Losers = append(m.Losers, Ref{ID: e.ID, Tier: e.Tier})
			}
		}
		merges = append(merges, m)
	}
	return merges
}

// better reports whether a should survive over b.
func better(a, b model.MemoryEntry, policy Policy) bool {
	if policy == HighestPriority && a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	// A copy left behind by an interrupted migration yields to its destination.
	if a.Tier != b.Tier {
		return a.Tier > b.Tier
	}
	return a.ID < b.ID
}

func minID(c Cluster) string {
	m := c[0].ID
	for _, e := range c[1:] {
		if e.ID < m {
			m = e.ID
		}
	}
	return m
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
