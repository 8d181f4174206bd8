package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"

	"github.com/rcliao/tiered-memory/internal/chunker"
)

// FTSIndex is a BM25 index backed by an SQLite FTS5 table. Entries are split
// into passages and an entry scores by its best passage.
type FTSIndex struct {
	db   *sql.DB
	opts chunker.Options
}

// NewFTSIndex creates the passage tables in db if needed.
func NewFTSIndex(ctx context.Context, db *sql.DB) (*FTSIndex, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS passages (
		entry_id TEXT NOT NULL,
		seq      INTEGER NOT NULL,
		text     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_passages_entry ON passages(entry_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS passages_fts USING fts5(
		text,
		content=passages,
		content_rowid=rowid,
		tokenize='unicode61'
	);

	CREATE TRIGGER IF NOT EXISTS passages_ai AFTER INSERT ON passages BEGIN
		INSERT INTO passages_fts(rowid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS passages_ad AFTER DELETE ON passages BEGIN
		INSERT INTO passages_fts(passages_fts, rowid, text) VALUES('delete', old.rowid, old.text);
	END;
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create fts schema: %w", err)
	}
	return &FTSIndex{db: db, opts: chunker.DefaultOptions()}, nil
}

func (f *FTSIndex) Index(ctx context.Context, id, text string) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM passages WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("clear passages: %w", err)
	}
	for _, p := range chunker.Split(text, f.opts) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO passages (entry_id, seq, text) VALUES (?, ?, ?)`, id, p.Seq, p.Text); err != nil {
			return fmt.Errorf("insert passage: %w", err)
		}
	}
	return tx.Commit()
}

func (f *FTSIndex) Remove(ctx context.Context, id string) error {
	_, err := f.db.ExecContext(ctx, `DELETE FROM passages WHERE entry_id = ?`, id)
	return err
}

// Search ranks entries by bm25. A query with no word tokens, or a MATCH
// expression the engine rejects, falls back to a substring scan.
func (f *FTSIndex) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}
	match := BuildMatchQuery(query)
	if match == "" {
		return f.likeSearch(ctx, query, k)
	}

	// Over-fetch passages since several may belong to one entry.
	rows, err := f.db.QueryContext(ctx, `
		SELECT p.entry_id, bm25(passages_fts)
		FROM passages_fts
		JOIN passages p ON p.rowid = passages_fts.rowid
		WHERE passages_fts MATCH ?
		ORDER BY bm25(passages_fts)
		LIMIT ?`, match, k*4)
	if err != nil {
		return f.likeSearch(ctx, query, k)
	}
	defer rows.Close()

	var hits []Hit
	seen := map[string]bool{}
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		// bm25() is lower-is-better; flip it so higher ranks first.
		hits = append(hits, Hit{ID: id, Score: -rank})
		if len(hits) == k {
			break
		}
	}
	return hits, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likeSearch matches the query as a substring of a passage. Entries whose
// whole text equals the query rank first.
func (f *FTSIndex) likeSearch(ctx context.Context, query string, k int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	rows, err := f.db.QueryContext(ctx, `
		SELECT entry_id, MAX(lower(text) = lower(?)) AS exact
		FROM passages
		WHERE text LIKE ? ESCAPE '\'
		GROUP BY entry_id
		ORDER BY exact DESC, entry_id
		LIMIT ?`,
		query, "%"+likeEscaper.Replace(query)+"%", k)
	if err != nil {
		return nil, fmt.Errorf("fts fallback: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id string
		var exact int
		if err := rows.Scan(&id, &exact); err != nil {
			return nil, err
		}
		hits = append(hits, Hit{ID: id, Score: float64(1+exact) / float64(len(hits)+1)})
	}
	return hits, rows.Err()
}

func (f *FTSIndex) Durable() bool { return true }

// Close is a no-op; the tier owns the database handle.
func (f *FTSIndex) Close() error { return nil }

var ftsOperators = map[string]bool{"and": true, "or": true, "not": true, "near": true}

// BuildMatchQuery turns free text into an FTS5 expression: each word quoted,
// operators dropped, joined with OR so partial matches still rank.
func BuildMatchQuery(text string) string {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '_'
	})
	seen := map[string]bool{}
	var quoted []string
	for _, t := range tokens {
		lower := strings.ToLower(t)
		if ftsOperators[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}
