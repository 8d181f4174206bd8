package store

import (
	"context"
	"fmt"

	"github.com/rcliao/tiered-memory/internal/model"
)

// Search returns up to TopK lexical hits (when Text is set) and up to TopK
// vector hits (when Embedding is set). Lists are ranked but not fused.
// A failing vector index sets VectorDegraded instead of failing the search.
func (s *TierStore) Search(ctx context.Context, p SearchParams) (*SearchResult, error) {
	if p.TopK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", model.ErrInvalidArgument, p.TopK)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	res := &SearchResult{Tier: s.tier}

	if p.Text != "" {
		hits, err := s.lexical.Search(ctx, p.Text, p.TopK)
		if err != nil {
			return nil, storageErr(fmt.Sprintf("%s lexical search", s.tier), err)
		}
		res.Lexical = hits
	}

	if len(p.Embedding) > 0 {
		hits, err := s.vector.Search(ctx, p.Embedding, p.TopK)
		if err != nil {
			s.log.Warn().Err(err).Msg("vector search failed, lexical only")
			res.VectorDegraded = true
		} else {
			res.Vector = hits
		}
	}

	return res, nil
}
