package engine

import (
	"context"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/rcliao/tiered-memory/internal/model"
)

// ContextParams holds parameters for context assembly.
type ContextParams struct {
	Query  string
	Depth  model.Depth
	Budget int // max tokens in output (rough proxy: 1 token ≈ 4 chars)
}

// ContextMemory is a scored entry in an assembled context.
type ContextMemory struct {
	ID       string         `json:"id"`
	Tier     model.Tier     `json:"tier"`
	Priority model.Priority `json:"priority"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Excerpt  bool           `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context.
type ContextResult struct {
	Budget    int             `json:"budget"`
	Used      int             `json:"used"`
	Degraded  bool            `json:"degraded,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
	Memories  []ContextMemory `json:"memories"`
}

const (
	defaultContextBudget = 4000
	contextCandidates    = 50
	minExcerpt           = 100
)

// Context searches for query and packs the best entries into a token budget.
// Entries are ranked by relevance blended with recency and priority; the
// first entry that does not fit is excerpted if enough room is left.
func (e *Engine) Context(ctx context.Context, p ContextParams) (*ContextResult, error) {
	budget := p.Budget
	if budget <= 0 {
		budget = defaultContextBudget
	}
	charBudget := budget * 4

	resp, err := e.Search(ctx, SearchParams{Query: p.Query, TopK: contextCandidates, Depth: p.Depth})
	if err != nil {
		return nil, err
	}
	out := &ContextResult{Budget: budget, Degraded: resp.Degraded, Truncated: resp.Truncated, Memories: []ContextMemory{}}
	if len(resp.Results) == 0 {
		return out, nil
	}

	now := e.now()
	top := resp.Results[0].Score
	type scored struct {
		r     Result
		score float64
	}
	candidates := make([]scored, 0, len(resp.Results))
	for _, r := range resp.Results {
		relevance := r.Score / top
		// Exponential decay over days since creation.
		recency := math.Exp(-0.1 * now.Sub(r.CreatedAt).Hours() / 24)
		score := relevance*0.5 + recency*0.2 + priorityWeight(r.Priority)*0.3
		candidates = append(candidates, scored{r: r, score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	used := 0
	for _, c := range candidates {
		mem := ContextMemory{
			ID:       c.r.ID,
			Tier:     c.r.Tier,
			Priority: c.r.Priority,
			Content:  c.r.Content,
			Score:    math.Round(c.score*100) / 100,
		}
		if used+len(mem.Content) <= charBudget {
			out.Memories = append(out.Memories, mem)
			used += len(mem.Content)
			continue
		}
		if remaining := charBudget - used; remaining >= minExcerpt {
			mem.Content = excerpt(mem.Content, remaining-len("...")) + "..."
			mem.Excerpt = true
			out.Memories = append(out.Memories, mem)
			used += len(mem.Content)
		}
		break
	}
	out.Used = used / 4
	return out, nil
}

func priorityWeight(p model.Priority) float64 {
	switch p {
	case model.Core:
		return 1.0
	case model.Session:
		return 0.6
	default:
		return 0.3
	}
}

// excerpt cuts s to at most n bytes without splitting a rune.
func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
