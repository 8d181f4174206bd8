package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/index"
	"github.com/rcliao/tiered-memory/internal/model"
)

// TierStore owns one tier's database and its lexical and vector indexes.
// Mutations are serialized by the store; reads share a read lock.
type TierStore struct {
	tier     model.Tier
	path     string
	db       *sql.DB
	lexical  index.LexicalIndex
	vector   index.VectorIndex
	capacity int
	opts     Options
	log      zerolog.Logger

	mu    sync.RWMutex
	cache *lru.Cache[string, model.MemoryEntry]
}

// Open opens or creates the tier database under opts.Dir and rebuilds any
// in-memory index from the stored entries.
func Open(ctx context.Context, opts Options) (*TierStore, error) {
	if !opts.Tier.Valid() {
		return nil, fmt.Errorf("%w: tier %d", model.ErrInvalidArgument, opts.Tier)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tier dir: %w", err)
	}
	path := filepath.Join(opts.Dir, opts.Tier.String()+".db")

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, model.MemoryEntry](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	s := &TierStore{
		tier:     opts.Tier,
		path:     path,
		db:       db,
		capacity: opts.Capacity,
		opts:     opts,
		log:      opts.Logger.With().Str("tier", opts.Tier.String()).Logger(),
		cache:    cache,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if s.lexical, err = index.NewLexical(ctx, opts.Lexical, db); err != nil {
		db.Close()
		return nil, err
	}
	if s.vector, err = index.NewVector(ctx, opts.Vector, "tier-"+opts.Tier.String(), db); err != nil {
		s.lexical.Close()
		db.Close()
		return nil, err
	}

	if err := s.rebuild(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("rebuild indexes: %w", err)
	}
	return s, nil
}

func (s *TierStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id              TEXT PRIMARY KEY,
		content         TEXT NOT NULL,
		priority        TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		last_touched_at TEXT NOT NULL,
		content_hash    TEXT NOT NULL,
		source          TEXT,
		embedding       BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_entries_hash ON entries(content_hash);
	CREATE INDEX IF NOT EXISTS idx_entries_priority ON entries(priority);
	CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// rebuild repopulates in-memory indexes. Durable indexes already hold their postings.
func (s *TierStore) rebuild(ctx context.Context) error {
	if s.lexical.Durable() && s.vector.Durable() {
		return nil
	}
	entries, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !s.lexical.Durable() {
			if err := s.lexical.Index(ctx, e.ID, e.Content); err != nil {
				return err
			}
		}
		if !s.vector.Durable() && e.HasEmbedding() {
			if err := s.vector.Add(ctx, e.ID, e.Embedding); err != nil {
				s.log.Warn().Err(err).Str("id", e.ID).Msg("skip vector on rebuild")
			}
		}
	}
	if len(entries) > 0 {
		s.log.Debug().Int("entries", len(entries)).Msg("rebuilt in-memory indexes")
	}
	return nil
}

// Tier returns the tier this store owns.
func (s *TierStore) Tier() model.Tier { return s.tier }

// Path returns the database file path.
func (s *TierStore) Path() string { return s.path }

// Add stores e in this tier, replacing any entry with the same id. New ids
// fail with ErrStorageFull when the tier is at capacity.
func (s *TierStore) Add(ctx context.Context, e model.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE id = ?`, e.ID).Scan(&exists)
	if err != nil {
		return storageErr("check entry", err)
	}
	if exists == 0 && s.capacity > 0 {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
			return storageErr("count entries", err)
		}
		if n >= s.capacity {
			return fmt.Errorf("%w: %s holds %d/%d entries", model.ErrStorageFull, s.tier, n, s.capacity)
		}
	}

	var source *string
	if e.Source != "" {
		source = &e.Source
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (id, content, priority, created_at, last_touched_at, content_hash, source, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Content, e.Priority.String(), formatTime(e.CreatedAt), formatTime(e.TouchedAt()),
		e.ContentHash, source, blob(e.Embedding))
	if err != nil {
		return storageErr("insert entry", err)
	}

	if err := s.lexical.Index(ctx, e.ID, e.Content); err != nil {
		s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, e.ID)
		return storageErr("index entry", err)
	}
	s.indexVector(ctx, e.ID, e.Embedding)

	s.cache.Remove(e.ID)
	return nil
}

// indexVector adds or clears the entry's vector. Vector failures only degrade
// the tier to lexical results for this entry.
func (s *TierStore) indexVector(ctx context.Context, id string, vec []float32) {
	var err error
	if len(vec) == 0 {
		err = s.vector.Remove(ctx, id)
	} else {
		err = s.vector.Add(ctx, id, vec)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("vector index update failed")
	}
}

// Get returns the entry with the given id, or ErrNotFound.
func (s *TierStore) Get(ctx context.Context, id string) (model.MemoryEntry, error) {
	if e, ok := s.cache.Get(id); ok {
		return cloneEntry(e), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, priority, created_at, last_touched_at, content_hash, source, embedding
		 FROM entries WHERE id = ?`, id)
	e, err := s.scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MemoryEntry{}, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if err != nil {
		return model.MemoryEntry{}, storageErr("get entry", err)
	}
	s.cache.Add(id, e)
	return cloneEntry(e), nil
}

// Delete removes the entry from storage and both indexes. It reports whether
// anything was removed; deleting a missing id is not an error.
func (s *TierStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id)
	if err != nil {
		return false, storageErr("delete entry", err)
	}
	s.cache.Remove(id)
	n, _ := res.RowsAffected()

	if err := s.lexical.Remove(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("lexical remove failed")
	}
	if err := s.vector.Remove(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("vector remove failed")
	}
	return n > 0, nil
}

// Update rewrites the mutable fields of an existing entry: priority,
// last touched time, source and embedding.
func (s *TierStore) Update(ctx context.Context, e model.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var source *string
	if e.Source != "" {
		source = &e.Source
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET priority = ?, last_touched_at = ?, source = ?, embedding = ? WHERE id = ?`,
		e.Priority.String(), formatTime(e.TouchedAt()), source, blob(e.Embedding), e.ID)
	if err != nil {
		return storageErr("update entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", model.ErrNotFound, e.ID)
	}
	s.indexVector(ctx, e.ID, e.Embedding)
	s.cache.Remove(e.ID)
	return nil
}

// Touch moves last_touched_at forward to t for the given ids.
func (s *TierStore) Touch(ctx context.Context, ids []string, t time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := formatTime(t)
	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE entries SET last_touched_at = ? WHERE id = ? AND last_touched_at < ?`, ts, id, ts)
		if err != nil {
			return storageErr("touch entry", err)
		}
		s.cache.Remove(id)
	}
	return nil
}

// Close closes the indexes and the database.
func (s *TierStore) Close() error {
	if s.lexical != nil {
		s.lexical.Close()
	}
	if s.vector != nil {
		s.vector.Close()
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *TierStore) scanEntry(row scanner) (model.MemoryEntry, error) {
	var e model.MemoryEntry
	var priority, createdAt, touchedAt string
	var source sql.NullString
	var blob []byte

	err := row.Scan(&e.ID, &e.Content, &priority, &createdAt, &touchedAt, &e.ContentHash, &source, &blob)
	if err != nil {
		return e, err
	}

	e.Tier = s.tier
	e.CreatedAt = parseTime(createdAt)
	e.LastTouchedAt = parseTime(touchedAt)
	if source.Valid {
		e.Source = source.String
	}
	if e.Priority, err = model.ParsePriority(priority); err != nil {
		return e, err
	}
	if e.Embedding, err = embedding.Decode(blob); err != nil {
		s.log.Warn().Err(err).Str("id", e.ID).Msg("dropping corrupt embedding")
		e.Embedding = nil
	}
	return e, nil
}

// blob binds empty vectors as NULL.
func blob(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return embedding.Encode(v)
}

func cloneEntry(e model.MemoryEntry) model.MemoryEntry {
	e.Embedding = slices.Clone(e.Embedding)
	return e
}
