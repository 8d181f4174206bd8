package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/tiered-memory/internal/archiver"
	"github.com/rcliao/tiered-memory/internal/dedup"
	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

const day = 24 * time.Hour

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyEmbedder wraps the hash embedder and fails while down is set.
type flakyEmbedder struct {
	inner embedding.Embedder
	down  atomic.Bool
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.inner.Embed(ctx, text)
}

func (f *flakyEmbedder) Dims() int { return f.inner.Dims() }

func newTestEngine(t *testing.T, mutate ...func(*Options)) (*Engine, *clock) {
	t.Helper()
	clk := newClock()
	opts := Options{
		Dir:      t.TempDir(),
		Embedder: embedding.NewHashEmbedder(64),
		Logger:   zerolog.Nop(),
		Now:      clk.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, clk
}

func write(t *testing.T, e *Engine, content string, p model.Priority) string {
	t.Helper()
	res, err := e.Write(context.Background(), WriteParams{Content: content, Priority: p, Source: "test"})
	require.NoError(t, err)
	return res.ID
}

func tierOf(t *testing.T, e *Engine, id string) []model.Tier {
	t.Helper()
	var tiers []model.Tier
	for _, s := range e.tiers {
		_, err := s.Get(context.Background(), id)
		if err == nil {
			tiers = append(tiers, s.Tier())
			continue
		}
		require.ErrorIs(t, err, model.ErrNotFound)
	}
	return tiers
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestWriteSearchRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	contents := map[model.Priority]string{
		model.Transient: "scratch buffer holds the parsed invoice",
		model.Session:   "deploy key for staging rotates weekly",
		model.Core:      "user's name is Ada and she prefers tabs",
	}
	for _, p := range []model.Priority{model.Transient, model.Session, model.Core} {
		content := contents[p]
		id := write(t, e, content, p)

		resp, err := e.Search(ctx, SearchParams{Query: content, TopK: 5, Depth: model.HotOnly})
		require.NoError(t, err)
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, id, resp.Results[0].ID)
		assert.Equal(t, model.Hot, resp.Results[0].Tier)
		assert.Equal(t, p, resp.Results[0].Priority)
		assert.Equal(t, content, resp.Results[0].Content)
		assert.False(t, resp.Degraded)
		assert.False(t, resp.Truncated)
	}
}

func TestWriteSearchRoundTrip_LexicalOnly(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Embedder = nil })
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
	}{
		{"stop words", "to be or not to be"},
		{"punctuation", "!!!"},
		{"question", "what is it"},
		{"plain", "deploy key rotates weekly"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := write(t, e, tt.content, model.Session)

			resp, err := e.Search(ctx, SearchParams{Query: tt.content, TopK: 5, Depth: model.HotOnly})
			require.NoError(t, err)
			require.NotEmpty(t, resp.Results)
			assert.Equal(t, id, resp.Results[0].ID)
			assert.Equal(t, model.Hot, resp.Results[0].Tier)
		})
	}
}

func TestWrite_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Write(ctx, WriteParams{Content: "   ", Priority: model.Session})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = e.Write(ctx, WriteParams{Content: "x", Priority: model.Priority(9)})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestWrite_HotFull(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) {
		o.Tiers = map[model.Tier]TierOptions{model.Hot: {Capacity: 1}}
	})
	write(t, e, "first", model.Session)

	_, err := e.Write(context.Background(), WriteParams{Content: "second", Priority: model.Session})
	assert.ErrorIs(t, err, model.ErrStorageFull)
}

func TestSearch_InvalidArgument(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, k := range []int{0, -3} {
		_, err := e.Search(ctx, SearchParams{Query: "anything", TopK: k})
		assert.ErrorIs(t, err, model.ErrInvalidArgument)
	}
	_, err := e.Search(ctx, SearchParams{Query: "anything", TopK: 1, Depth: model.Depth(7)})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestSearch_PriorityFilterAndTopK(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	write(t, e, "golang channels and goroutines", model.Session)
	core := write(t, e, "golang interfaces are satisfied implicitly", model.Core)
	write(t, e, "golang modules and versioning", model.Transient)

	only := model.Core
	resp, err := e.Search(ctx, SearchParams{Query: "golang", TopK: 10, Priority: &only})
	require.NoError(t, err)
	assert.Equal(t, []string{core}, ids(resp.Results))

	resp, err = e.Search(ctx, SearchParams{Query: "golang", TopK: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestSearch_TouchesHits(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	id := write(t, e, "remember the coffee order", model.Session)

	clk.Advance(3 * day)
	_, err := e.Search(ctx, SearchParams{Query: "coffee order", TopK: 3})
	require.NoError(t, err)

	got, err := e.tiers[model.Hot].Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.LastTouchedAt.Equal(clk.Now()))
}

func TestSearch_DegradedWithoutEmbeddings(t *testing.T) {
	flaky := &flakyEmbedder{inner: embedding.NewHashEmbedder(64)}
	flaky.down.Store(true)
	e, _ := newTestEngine(t, func(o *Options) { o.Embedder = flaky })
	ctx := context.Background()

	res, err := e.Write(ctx, WriteParams{Content: "lexical only entry about kafka", Priority: model.Session})
	require.NoError(t, err)
	assert.True(t, res.EmbeddingUnavailable)

	resp, err := e.Search(ctx, SearchParams{Query: "kafka", TopK: 5, Depth: model.All})
	require.NoError(t, err, "provider outage must not fail search")
	assert.True(t, resp.Degraded)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, res.ID, resp.Results[0].ID)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.Embedding.Configured)
	assert.False(t, st.Embedding.Available)
}

func TestSearch_NoEmbedder(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Embedder = nil })
	id := write(t, e, "plain keyword memory", model.Session)

	resp, err := e.Search(context.Background(), SearchParams{Query: "keyword", TopK: 5})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{id}, ids(resp.Results))
}

// hangingEmbedder never answers until its caller gives up.
type hangingEmbedder struct{ dims int }

func (h hangingEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h hangingEmbedder) Dims() int { return h.dims }

func TestSearch_HangingProviderFallsBackToLexical(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) {
		o.Embedder = nil
		o.Deadline = 300 * time.Millisecond
	})
	id := write(t, e, "deploy key rotates weekly", model.Session)
	e.embedder = hangingEmbedder{dims: 64}

	start := time.Now()
	resp, err := e.Search(context.Background(), SearchParams{Query: "deploy key rotates weekly", TopK: 5, Depth: model.All})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, resp.Degraded)
	assert.False(t, resp.Truncated)
	assert.Empty(t, resp.Missing)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, id, resp.Results[0].ID)
}

// slowTier answers long after any reasonable timeout and ignores cancellation.
type slowTier struct {
	tierStore
	delay time.Duration
}

func (s slowTier) Search(ctx context.Context, p store.SearchParams) (*store.SearchResult, error) {
	time.Sleep(s.delay)
	return &store.SearchResult{Tier: s.Tier()}, nil
}

type brokenTier struct{ tierStore }

func (b brokenTier) Search(ctx context.Context, p store.SearchParams) (*store.SearchResult, error) {
	return nil, errors.New("disk on fire")
}

func TestSearch_PartialResults(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.TierTimeout = 50 * time.Millisecond })
	id := write(t, e, "partial results still come back", model.Session)

	e.tiers[model.Warm] = brokenTier{e.tiers[model.Warm]}
	e.tiers[model.Cold] = slowTier{tierStore: e.tiers[model.Cold], delay: 500 * time.Millisecond}

	start := time.Now()
	resp, err := e.Search(context.Background(), SearchParams{Query: "partial results", TopK: 5, Depth: model.All})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "slow tier is abandoned")

	assert.True(t, resp.Truncated)
	assert.ElementsMatch(t, []model.Tier{model.Warm, model.Cold}, resp.Missing)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, id, resp.Results[0].ID)

	// A shallow search never contacts the broken tiers.
	resp, err = e.Search(context.Background(), SearchParams{Query: "partial results", TopK: 5, Depth: model.HotOnly})
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
}

func TestSearch_Deadline(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) {
		o.TierTimeout = time.Second
		o.Deadline = 80 * time.Millisecond
	})
	write(t, e, "deadline bound search", model.Session)
	e.tiers[model.Warm] = slowTier{tierStore: e.tiers[model.Warm], delay: 500 * time.Millisecond}

	resp, err := e.Search(context.Background(), SearchParams{Query: "deadline", TopK: 5, Depth: model.HotWarm})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, []model.Tier{model.Warm}, resp.Missing)
	assert.NotEmpty(t, resp.Results)
}

func TestGet(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	id := write(t, e, "get me", model.Session)

	clk.Advance(time.Hour)
	got, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "get me", got.Content)
	assert.True(t, got.LastTouchedAt.Equal(clk.Now()))

	_, err = e.Get(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpgrade(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	id := write(t, e, "promote me", model.Transient)

	got, err := e.Upgrade(ctx, id, model.Session)
	require.NoError(t, err)
	assert.Equal(t, model.Session, got.Priority)

	got, err = e.Upgrade(ctx, id, model.Session)
	require.NoError(t, err, "same level is a no-op")
	assert.Equal(t, model.Session, got.Priority)

	_, err = e.Upgrade(ctx, id, model.Transient)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = e.Upgrade(ctx, id, model.Priority(-1))
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = e.Upgrade(ctx, "missing", model.Core)
	assert.ErrorIs(t, err, model.ErrNotFound)

	got, err = e.Upgrade(ctx, id, model.Core)
	require.NoError(t, err)
	assert.Equal(t, model.Core, got.Priority)
}

func TestDelete(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	id := write(t, e, "delete me", model.Core)

	require.NoError(t, e.Delete(ctx, id))
	_, err := e.Get(ctx, id)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, e.Delete(ctx, id), model.ErrNotFound)

	resp, err := e.Search(ctx, SearchParams{Query: "delete me", TopK: 5, Depth: model.All})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestMaintenance_CoreNeverMoves(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	id := write(t, e, "core identity fact", model.Core)

	for i := 0; i < 3; i++ {
		clk.Advance(200 * day)
		_, err := e.RunMaintenance(ctx)
		require.NoError(t, err)
		assert.Equal(t, []model.Tier{model.Hot}, tierOf(t, e, id))
	}
}

func TestMaintenance_SessionMigratesToWarm(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	id := write(t, e, "last week's standup notes", model.Session)
	fresh := write(t, e, "placeholder", model.Session)

	clk.Advance(8 * day)
	// Keep one entry hot by reading it.
	_, err := e.Get(ctx, fresh)
	require.NoError(t, err)

	res, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.Equal(t, []model.Tier{model.Warm}, tierOf(t, e, id))
	assert.Equal(t, []model.Tier{model.Hot}, tierOf(t, e, fresh))

	// Warm entries stay searchable at depth HotWarm but not HotOnly.
	resp, err := e.Search(ctx, SearchParams{Query: "standup notes", TopK: 5, Depth: model.HotOnly})
	require.NoError(t, err)
	assert.NotContains(t, ids(resp.Results), id)
	resp, err = e.Search(ctx, SearchParams{Query: "standup notes", TopK: 5, Depth: model.HotWarm})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, id, resp.Results[0].ID)
	assert.Equal(t, model.Warm, resp.Results[0].Tier)

	clk.Advance(23 * day)
	res, err = e.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Migrated, 1)
	assert.Equal(t, []model.Tier{model.Cold}, tierOf(t, e, id))
}

func TestMaintenance_TransientExpires(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	x := write(t, e, "scratch value", model.Transient)
	kept := write(t, e, "scratch value that matters", model.Transient)
	_, err := e.Upgrade(ctx, kept, model.Session)
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	res, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	_, err = e.Get(ctx, x)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.Get(ctx, kept)
	assert.NoError(t, err)
}

func TestMaintenance_FailedMigrationRetried(t *testing.T) {
	e, clk := newTestEngine(t, func(o *Options) {
		o.Tiers = map[model.Tier]TierOptions{model.Warm: {Capacity: 1}}
	})
	ctx := context.Background()
	a := write(t, e, "alpha deployment checklist", model.Session)
	b := write(t, e, "quarterly budget review", model.Session)

	clk.Advance(8 * day)
	res, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, append(tierOf(t, e, a), tierOf(t, e, b)...), 2, "nothing lost or duplicated")
}

func TestMaintenance_Idempotent(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	write(t, e, "same text", model.Session)
	write(t, e, "same text", model.Session)
	write(t, e, "old note", model.Session)
	write(t, e, "temp", model.Transient)

	clk.Advance(2 * day)
	first, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Merged)
	assert.Equal(t, 1, first.Deleted)

	second, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Migrated+second.Deleted+second.Merged+second.Failed)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastMaintenance)
	assert.Equal(t, 2, st.Total)
}

func TestDedup_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	write(t, e, "The build uses Go 1.25", model.Session)
	write(t, e, "the build uses   go 1.25", model.Session)
	write(t, e, "unrelated fact about sqlite", model.Session)

	merged, err := e.Dedup(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)
	once, err := e.Export(ctx)
	require.NoError(t, err)

	merged, err = e.Dedup(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, merged)
	twice, err := e.Export(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, exportIDs(once), exportIDs(twice))
	assert.Len(t, twice, 2)
}

func exportIDs(entries []model.MemoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestDedup_HighestPriorityKeepsCore(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	write(t, e, "user prefers dark mode", model.Session)
	clk.Advance(time.Minute)
	core := write(t, e, "user prefers dark mode", model.Core)

	policy := dedup.HighestPriority
	merged, err := e.Dedup(ctx, &policy)
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	all, err := e.Export(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, core, all[0].ID)
	assert.Equal(t, model.Core, all[0].Priority)
}

func TestDedup_NewestNeverLosesCore(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	write(t, e, "the api key lives in vault", model.Core)
	clk.Advance(time.Minute)
	newest := write(t, e, "the api key lives in vault", model.Session)

	policy := dedup.Newest
	_, err := e.Dedup(ctx, &policy)
	require.NoError(t, err)

	all, err := e.Export(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, newest, all[0].ID)
	assert.Equal(t, model.Core, all[0].Priority, "survivor takes the cluster's highest priority")
}

// A crash between copy and delete leaves one id in two tiers. Search still
// returns it once and the next maintenance pass keeps the destination copy.
func TestInterruptedMigrationResolvedByDedup(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	id := write(t, e, "half migrated entry", model.Session)

	entry, err := e.tiers[model.Hot].Get(ctx, id)
	require.NoError(t, err)
	entry.Tier = model.Warm
	require.NoError(t, e.tiers[model.Warm].Add(ctx, entry))
	require.ElementsMatch(t, []model.Tier{model.Hot, model.Warm}, tierOf(t, e, id))

	resp, err := e.Search(ctx, SearchParams{Query: "half migrated", TopK: 5, Depth: model.All})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.Join(ids(resp.Results), ","), id))
	assert.Equal(t, model.Hot, resp.Results[0].Tier)

	res, err := e.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, []model.Tier{model.Warm}, tierOf(t, e, id))
}

func TestBackfill(t *testing.T) {
	flaky := &flakyEmbedder{inner: embedding.NewHashEmbedder(64)}
	flaky.down.Store(true)
	e, _ := newTestEngine(t, func(o *Options) { o.Embedder = flaky })
	ctx := context.Background()
	write(t, e, "written during an outage", model.Session)

	n, err := e.Backfill(ctx, 10)
	assert.ErrorIs(t, err, model.ErrEmbeddingUnavailable)
	assert.Zero(t, n)

	flaky.down.Store(false)
	n, err = e.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	for _, ts := range st.Tiers {
		assert.Zero(t, ts.Unembedded, ts.Tier.String())
	}
	assert.True(t, st.Embedding.Available)
}

func TestBackfill_NoProvider(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Embedder = nil })
	_, err := e.Backfill(context.Background(), 10)
	assert.ErrorIs(t, err, model.ErrEmbeddingUnavailable)
}

func TestListExportImport(t *testing.T) {
	src, clk := newTestEngine(t)
	ctx := context.Background()
	old := write(t, src, "an old session note", model.Session)
	write(t, src, "a core fact", model.Core)
	clk.Advance(8 * day)
	_, err := src.RunMaintenance(ctx)
	require.NoError(t, err)

	warm := model.Warm
	listed, err := src.List(ctx, ListParams{Tier: &warm})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, old, listed[0].ID)

	core := model.Core
	listed, err = src.List(ctx, ListParams{Priority: &core})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	exported, err := src.Export(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 2)

	dst, _ := newTestEngine(t)
	res, err := dst.Import(ctx, append(exported, model.MemoryEntry{Content: "", Priority: model.Session}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []model.Tier{model.Warm}, tierOf(t, dst, old))
}

func TestContext(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	write(t, e, "Go is a statically typed language", model.Core)
	write(t, e, "Rust is a systems language with a borrow checker", model.Session)
	write(t, e, strings.Repeat("This line is about programming languages. ", 200), model.Session)

	res, err := e.Context(ctx, ContextParams{Query: "language", Budget: 4000, Depth: model.All})
	require.NoError(t, err)
	assert.Equal(t, 4000, res.Budget)
	assert.NotEmpty(t, res.Memories)

	small, err := e.Context(ctx, ContextParams{Query: "language", Budget: 50})
	require.NoError(t, err)
	require.NotEmpty(t, small.Memories)
	assert.LessOrEqual(t, small.Used, 50)
	chars, excerpted := 0, false
	for _, m := range small.Memories {
		chars += len(m.Content)
		excerpted = excerpted || m.Excerpt
	}
	assert.True(t, excerpted)
	assert.LessOrEqual(t, chars, 50*4, "excerpt marker fits inside the budget")

	empty, err := e.Context(ctx, ContextParams{Query: "zzzqqq", Budget: 100, Depth: model.HotOnly})
	require.NoError(t, err)
	assert.NotNil(t, empty.Memories)
}

func TestStartStop(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Schedule = "@every 1h" })
	require.NoError(t, e.Start(context.Background()))

	st, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Scheduled)
	assert.Equal(t, "@every 1h", st.Schedule)
	assert.Equal(t, (7 * day).String(), st.Thresholds.Hot)
	assert.Len(t, st.Tiers, 3)
}

// blockingTier holds a maintenance snapshot open until its context ends.
type blockingTier struct {
	tierStore
	entered     chan struct{}
	returned    atomic.Bool
	closedEarly atomic.Bool
}

func (b *blockingTier) Snapshot(ctx context.Context) ([]model.MemoryEntry, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	b.returned.Store(true)
	return nil, ctx.Err()
}

func (b *blockingTier) Close() error {
	if !b.returned.Load() {
		b.closedEarly.Store(true)
	}
	return b.tierStore.Close()
}

func TestStartStop_CancelsRunningPass(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Schedule = "@every 1s" })
	cold := &blockingTier{tierStore: e.tiers[model.Cold], entered: make(chan struct{}, 1)}
	e.tiers[model.Cold] = cold
	require.NoError(t, e.Start(context.Background()))

	select {
	case <-cold.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled pass never started")
	}

	start := time.Now()
	require.NoError(t, e.Close())
	assert.Less(t, time.Since(start), 2*time.Second, "running pass is cancelled, not waited out")
	assert.True(t, cold.returned.Load())
	assert.False(t, cold.closedEarly.Load(), "tiers closed under a running pass")
}

func TestNew_InvalidPolicy(t *testing.T) {
	_, err := New(context.Background(), Options{
		Dir:    t.TempDir(),
		Policy: archiver.Policy{HotAfter: 30 * day, ColdAfter: 7 * day, TransientAfter: day},
		Logger: zerolog.Nop(),
	})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestConcurrentUse(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		write(t, e, "seed entry about topic "+string(rune('a'+i)), model.Session)
	}
	clk.Advance(8 * day)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := e.Write(ctx, WriteParams{Content: "concurrent write", Priority: model.Transient}); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := e.Search(ctx, SearchParams{Query: "topic entry", TopK: 5, Depth: model.All}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := e.RunMaintenance(ctx); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Every seed entry is in exactly one tier.
	all, err := e.Export(ctx)
	require.NoError(t, err)
	seen := map[string]int{}
	for _, entry := range all {
		seen[entry.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}
