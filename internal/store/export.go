package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/tiered-memory/internal/model"
)

const entryColumns = `id, content, priority, created_at, last_touched_at, content_hash, source, embedding`

// Snapshot returns a copy of every entry in the tier, oldest first.
// Maintenance plans against the snapshot so it never holds the tier lock for a whole pass.
func (s *TierStore) Snapshot(ctx context.Context) ([]model.MemoryEntry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY created_at, id`)
}

// List returns entries newest first, optionally filtered by priority.
func (s *TierStore) List(ctx context.Context, p ListParams) ([]model.MemoryEntry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"1 = 1"}
	args := []interface{}{}
	if p.Priority != nil {
		where = append(where, "priority = ?")
		args = append(args, p.Priority.String())
	}
	args = append(args, limit)

	return s.query(ctx, `SELECT `+entryColumns+` FROM entries WHERE `+strings.Join(where, " AND ")+
		` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
}

// Missing returns up to limit entries that have no embedding yet.
func (s *TierStore) Missing(ctx context.Context, limit int) ([]model.MemoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, `SELECT `+entryColumns+` FROM entries WHERE embedding IS NULL OR length(embedding) = 0 ORDER BY created_at LIMIT ?`, limit)
}

func (s *TierStore) query(ctx context.Context, q string, args ...interface{}) ([]model.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(fmt.Sprintf("query %s", s.tier), err)
	}
	defer rows.Close()

	var entries []model.MemoryEntry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, storageErr("scan entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate entries", err)
	}
	return entries, nil
}
