package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	unicodetok "github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
)

// memoryAnalyzer splits on unicode word boundaries and lowercases. It keeps
// stop words, so an entry made only of them is still findable.
const memoryAnalyzer = "memory"

// BleveIndex is an in-memory full-text index. Its postings are lost on close
// and rebuilt by the owning tier.
type BleveIndex struct {
	idx     bleve.Index
	mapping *mapping.IndexMappingImpl

	// texts backs the substring fallback for queries with no word tokens.
	mu    sync.RWMutex
	texts map[string]string
}

type bleveDoc struct {
	Text string `json:"text"`
}

// NewBleveIndex creates an empty memory-only index.
func NewBleveIndex() (*BleveIndex, error) {
	m := bleve.NewIndexMapping()
	if err := m.AddCustomAnalyzer(memoryAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicodetok.Name,
		"token_filters": []string{lowercase.Name},
	}); err != nil {
		return nil, fmt.Errorf("register bleve analyzer: %w", err)
	}
	m.DefaultAnalyzer = memoryAnalyzer

	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &BleveIndex{idx: idx, mapping: m, texts: map[string]string{}}, nil
}

func (b *BleveIndex) Index(ctx context.Context, id, text string) error {
	if err := b.idx.Index(id, bleveDoc{Text: text}); err != nil {
		return fmt.Errorf("bleve index %s: %w", id, err)
	}
	b.mu.Lock()
	b.texts[id] = text
	b.mu.Unlock()
	return nil
}

func (b *BleveIndex) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.texts, id)
	b.mu.Unlock()
	return b.idx.Delete(id)
}

func (b *BleveIndex) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 {
		return nil, nil
	}
	if !b.hasTokens(query) {
		return b.scan(query, k), nil
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, k, 0, false)

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

func (b *BleveIndex) hasTokens(query string) bool {
	a := b.mapping.AnalyzerNamed(memoryAnalyzer)
	if a == nil {
		return true
	}
	return len(a.Analyze([]byte(query))) > 0
}

// scan matches the query as a case-insensitive substring. Exact matches rank
// above partial ones.
func (b *BleveIndex) scan(query string, k int) []Hit {
	needle := strings.ToLower(query)

	b.mu.RLock()
	var hits []Hit
	for id, text := range b.texts {
		text = strings.ToLower(strings.TrimSpace(text))
		switch {
		case text == needle:
			hits = append(hits, Hit{ID: id, Score: 2})
		case strings.Contains(text, needle):
			hits = append(hits, Hit{ID: id, Score: 1})
		}
	}
	b.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func (b *BleveIndex) Durable() bool { return false }

func (b *BleveIndex) Close() error { return b.idx.Close() }
