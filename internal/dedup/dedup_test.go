package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id, content string, p model.Priority, age time.Duration, vec ...float32) model.MemoryEntry {
	return model.MemoryEntry{
		ID:          id,
		Content:     content,
		Priority:    p,
		CreatedAt:   base.Add(-age),
		ContentHash: model.ContentHash(content),
		Embedding:   vec,
	}
}

func TestDetect_ExactHash(t *testing.T) {
	entries := []model.MemoryEntry{
		entry("a", "Deploy with make release", model.Session, time.Hour),
		entry("b", "deploy   with make RELEASE", model.Core, 0),
		entry("c", "something else", model.Session, 0),
	}
	clusters := Detect(entries, DefaultThreshold)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0], 2)
}

func TestDetect_Similarity(t *testing.T) {
	entries := []model.MemoryEntry{
		entry("a", "the cache is ristretto", model.Session, 0, 1, 0, 0),
		entry("b", "ristretto backs the cache", model.Session, 0, 0.95, 0.05, 0),
		entry("c", "unrelated", model.Session, 0, 0, 1, 0),
		entry("d", "no vector here", model.Session, 0),
	}
	clusters := Detect(entries, 0.9)
	require.Len(t, clusters, 1)
	var ids []string
	for _, e := range clusters[0] {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestDetect_Transitive(t *testing.T) {
	// a~b and b~c but a and c are below threshold on their own.
	entries := []model.MemoryEntry{
		entry("a", "one", model.Session, 0, 1, 0),
		entry("b", "two", model.Session, 0, 0.95, 0.31),
		entry("c", "three", model.Session, 0, 0.81, 0.59),
	}
	clusters := Detect(entries, 0.95)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0], 3)
}

func TestDetect_SameIDAcrossTiers(t *testing.T) {
	hot := entry("x", "migrating entry", model.Session, 8*24*time.Hour)
	hot.Tier = model.Hot
	warm := hot
	warm.Tier = model.Warm

	clusters := Detect([]model.MemoryEntry{hot, warm}, DefaultThreshold)
	require.Len(t, clusters, 1)

	merges := Plan(clusters, Newest, base)
	require.Len(t, merges, 1)
	assert.Equal(t, model.Warm, merges[0].Survivor.Tier, "destination copy survives")
	assert.Equal(t, []Ref{{ID: "x", Tier: model.Hot}}, merges[0].Losers)
}

func TestPlan_Policies(t *testing.T) {
	older := entry("old", "same text", model.Core, time.Hour)
	newer := entry("new", "same text", model.Session, 0)
	clusters := Detect([]model.MemoryEntry{older, newer}, DefaultThreshold)

	t.Run("newest", func(t *testing.T) {
		m := Plan(clusters, Newest, base)
		require.Len(t, m, 1)
		assert.Equal(t, "new", m[0].Survivor.ID)
		assert.Equal(t, model.Core, m[0].Survivor.Priority, "merge never loses a core classification")
		assert.True(t, m[0].Survivor.LastTouchedAt.Equal(base))
	})

	t.Run("highest priority", func(t *testing.T) {
		m := Plan(clusters, HighestPriority, base)
		require.Len(t, m, 1)
		assert.Equal(t, "old", m[0].Survivor.ID)
		assert.Equal(t, []Ref{{ID: "new"}}, m[0].Losers)
	})
}

func TestPlan_Idempotent(t *testing.T) {
	entries := []model.MemoryEntry{
		entry("a", "alpha", model.Session, 3*time.Hour, 1, 0),
		entry("b", "alpha", model.Transient, 2*time.Hour, 1, 0),
		entry("c", "alpha prime", model.Session, time.Hour, 0.99, 0.01),
		entry("d", "beta", model.Core, 0, 0, 1),
	}
	first := survivors(entries, HighestPriority)
	second := survivors(first, HighestPriority)
	assert.Equal(t, ids(first), ids(second))
	assert.Len(t, first, 2)
}

// survivors applies one dedup pass to an in-memory set.
func survivors(entries []model.MemoryEntry, p Policy) []model.MemoryEntry {
	gone := map[string]bool{}
	replaced := map[string]model.MemoryEntry{}
	for _, m := range Plan(Detect(entries, DefaultThreshold), p, base) {
		replaced[m.Survivor.ID] = m.Survivor
		for _, l := range m.Losers {
			gone[l.ID] = true
		}
	}
	var out []model.MemoryEntry
	for _, e := range entries {
		if gone[e.ID] {
			continue
		}
		if r, ok := replaced[e.ID]; ok {
			e = r
		}
		out = append(out, e)
	}
	return out
}

func ids(es []model.MemoryEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("highestPriority")
	require.NoError(t, err)
	assert.Equal(t, HighestPriority, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Newest, p)

	_, err = ParsePolicy("oldest")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}
