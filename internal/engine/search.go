package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcliao/tiered-memory/internal/fusion"
	"github.com/rcliao/tiered-memory/internal/index"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
)

// SearchParams holds parameters for Search.
type SearchParams struct {
	Query    string
	TopK     int
	Depth    model.Depth
	Priority *model.Priority // only entries at this level
	MinScore float64         // drop fused scores below this
}

// Result is one ranked entry.
type Result struct {
	ID            string         `json:"id"`
	Content       string         `json:"content"`
	Score         float64        `json:"score"`
	Tier          model.Tier     `json:"tier"`
	Priority      model.Priority `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	LastTouchedAt time.Time      `json:"last_touched_at"`
	Source        string         `json:"source,omitempty"`
	MatchedBy     []string       `json:"matched_by,omitempty"`
}

// SearchResponse is a successful search, possibly partial.
type SearchResponse struct {
	Results []Result `json:"results"`
	// Degraded means vector retrieval was unavailable for some or all tiers.
	Degraded bool `json:"degraded,omitempty"`
	// Truncated means one or more tiers timed out or failed and were left out.
	Truncated bool         `json:"truncated,omitempty"`
	Missing   []model.Tier `json:"missing_tiers,omitempty"`
}

// tierReply is one tier's contribution to a search.
type tierReply struct {
	tier    model.Tier
	res     *store.SearchResult
	entries map[string]model.MemoryEntry
	err     error
}

// Search queries the tiers covered by p.Depth in parallel and fuses their
// lexical and vector rankings. Slow or failing tiers are dropped from the
// response instead of failing it. Returned entries are touched.
func (e *Engine) Search(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	if p.TopK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", model.ErrInvalidArgument, p.TopK)
	}
	if p.Depth < model.HotOnly || p.Depth > model.All {
		return nil, fmt.Errorf("%w: unknown depth %d", model.ErrInvalidArgument, p.Depth)
	}
	if strings.TrimSpace(p.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", model.ErrInvalidArgument)
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Deadline)
	defer cancel()

	vec, ok := e.embedQuery(ctx, p.Query)
	resp := &SearchResponse{Degraded: !ok}

	fetch := p.TopK
	if p.Priority != nil {
		// Filtering happens after retrieval, so ask each index for more.
		fetch = p.TopK * 4
	}
	sp := store.SearchParams{Text: p.Query, Embedding: vec, TopK: fetch}

	tiers := p.Depth.Tiers()
	replies := make([]tierReply, len(tiers))
	var g errgroup.Group
	for i, t := range tiers {
		g.Go(func() error {
			replies[i] = e.queryTier(ctx, t, sp)
			return nil
		})
	}
	g.Wait()

	var lists []fusion.List
	entries := make(map[model.Tier]map[string]model.MemoryEntry, len(tiers))
	for _, r := range replies {
		if r.err != nil {
			resp.Truncated = true
			resp.Missing = append(resp.Missing, r.tier)
			e.log.Warn().Err(fmt.Errorf("%w: %w", model.ErrPartialResult, r.err)).Str("tier", r.tier.String()).Msg("tier left out of search")
			continue
		}
		if r.res.VectorDegraded {
			resp.Degraded = true
		}
		entries[r.tier] = r.entries
		lists = append(lists,
			e.rankedList(r.tier, "lexical", e.opts.LexicalWeight, r.res.Lexical, r.entries, p.Priority),
			e.rankedList(r.tier, "vector", e.opts.VectorWeight, r.res.Vector, r.entries, p.Priority),
		)
	}

	fused := fusion.Filter(e.fuser.Fuse(lists...), p.MinScore, p.TopK)

	now := e.now()
	touch := make(map[model.Tier][]string)
	resp.Results = make([]Result, 0, len(fused))
	for _, f := range fused {
		entry := entries[f.Tier][f.ID]
		resp.Results = append(resp.Results, Result{
			ID:            entry.ID,
			Content:       entry.Content,
			Score:         f.Score,
			Tier:          f.Tier,
			Priority:      entry.Priority,
			CreatedAt:     entry.CreatedAt,
			LastTouchedAt: laterOf(entry.TouchedAt(), now),
			Source:        entry.Source,
			MatchedBy:     f.Sources,
		})
		touch[f.Tier] = append(touch[f.Tier], f.ID)
	}
	e.touch(ctx, touch, now)

	e.metrics.searched(ctx, p.Depth, resp, time.Since(start))
	return resp, nil
}

// embedQuery embeds the search text within half the search deadline, so the
// lexical leg keeps time to run when the provider hangs. A provider call that
// ignores cancellation is abandoned.
func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, bool) {
	if e.embedder == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, min(e.opts.EmbedTimeout, e.opts.Deadline/2))
	defer cancel()

	type reply struct {
		vec []float32
		ok  bool
	}
	done := make(chan reply, 1)
	go func() {
		vec, ok := e.embed(ctx, text)
		done <- reply{vec, ok}
	}()

	select {
	case r := <-done:
		return r.vec, r.ok
	case <-ctx.Done():
		return nil, false
	}
}

// queryTier searches one tier and loads the hit entries. The tier timeout and
// the search deadline both apply; a store call that ignores cancellation is
// abandoned and its result discarded.
func (e *Engine) queryTier(ctx context.Context, t model.Tier, sp store.SearchParams) tierReply {
	ctx, cancel := context.WithTimeout(ctx, e.opts.TierTimeout)
	defer cancel()

	done := make(chan tierReply, 1)
	go func() {
		r := tierReply{tier: t}
		r.res, r.err = e.tiers[t].Search(ctx, sp)
		if r.err == nil {
			r.entries, r.err = e.load(ctx, t, r.res)
		}
		done <- r
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return tierReply{tier: t, err: ctx.Err()}
	}
}

// load fetches the entries behind a tier's hits. Hits deleted since the
// index answered are skipped.
func (e *Engine) load(ctx context.Context, t model.Tier, res *store.SearchResult) (map[string]model.MemoryEntry, error) {
	out := make(map[string]model.MemoryEntry, len(res.Lexical)+len(res.Vector))
	for _, hits := range [][]index.Hit{res.Lexical, res.Vector} {
		for _, h := range hits {
			if _, ok := out[h.ID]; ok {
				continue
			}
			got, err := e.tiers[t].Get(ctx, h.ID)
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[h.ID] = got
		}
	}
	return out, nil
}

func (e *Engine) rankedList(t model.Tier, ranker string, weight float64, hits []index.Hit, entries map[string]model.MemoryEntry, only *model.Priority) fusion.List {
	l := fusion.List{Name: t.String() + "/" + ranker, Weight: weight}
	if weight == 0 {
		// Zero weight disables the ranker rather than defaulting to 1.
		return fusion.List{Name: l.Name, Weight: 0}
	}
	for _, h := range hits {
		entry, ok := entries[h.ID]
		if !ok || (only != nil && entry.Priority != *only) {
			continue
		}
		l.Items = append(l.Items, fusion.Candidate{ID: h.ID, LastTouchedAt: entry.TouchedAt(), Tier: t})
	}
	return l
}

// touch records read hits. It runs after the search deadline may have passed,
// so it gets its own short timeout.
func (e *Engine) touch(ctx context.Context, ids map[model.Tier][]string, now time.Time) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for t, list := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.tiers[t].Touch(ctx, list, now); err != nil {
				e.log.Warn().Err(err).Str("tier", t.String()).Msg("touch failed")
			}
		}()
	}
	wg.Wait()
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
