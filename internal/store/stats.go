package store

import (
	"context"
	"os"
)

// Count returns the number of entries in the tier.
func (s *TierStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, storageErr("count entries", err)
	}
	return n, nil
}

// Stats returns counts and sizes for the tier.
func (s *TierStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Tier:        s.tier,
		Path:        s.path,
		Capacity:    s.capacity,
		ByPriority:  map[string]int{},
		LexicalKind: kindOr(s.opts.Lexical, "fts"),
		VectorKind:  kindOr(s.opts.Vector, "flat"),
	}

	// The WAL can hold most of a busy tier's recent writes.
	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			st.SizeBytes += info.Size()
		}
	}

	var err error
	if st.Count, err = s.Count(ctx); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE embedding IS NULL OR length(embedding) = 0`).Scan(&st.Unembedded); err != nil {
		return st, storageErr("count unembedded", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM entries GROUP BY priority`)
	if err != nil {
		return st, storageErr("count by priority", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return st, storageErr("scan priority count", err)
		}
		st.ByPriority[p] = n
	}
	if err := rows.Err(); err != nil {
		return st, storageErr("count by priority", err)
	}
	return st, nil
}

func kindOr(kind, def string) string {
	if kind == "" {
		return def
	}
	return kind
}
