package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/scholarlab/paperflow/pkg/models"
)

// ErrMemoNotFound indicates no memory entry exists for a fingerprint.
var ErrMemoNotFound = errors.New("memory entry not found")

// memoCacheSize bounds the in-process front cache. Entries beyond the cap
// are evicted LRU; the durable table is unaffected.
const memoCacheSize = 4096

// MemoStore persists agent memoization entries keyed by content
// fingerprint. A bounded LRU front cache absorbs repeated lookups for hot
// fingerprints without touching the database.
//
// Concurrent Put calls for the same key converge last-writer-wins via a
// single upsert statement.
type MemoStore struct {
	db    queryer
	cache *lru.Cache[string, *models.MemoryEntry]
}

// NewMemoStore creates a memo store over the given client.
func NewMemoStore(client *Client) (*MemoStore, error) {
	cache, err := lru.New[string, *models.MemoryEntry](memoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create memo cache: %w", err)
	}
	return &MemoStore{db: client.DB(), cache: cache}, nil
}

// Get returns the entry for a fingerprint, or ErrMemoNotFound.
func (s *MemoStore) Get(ctx context.Context, key string) (*models.MemoryEntry, error) {
	if entry, ok := s.cache.Get(key); ok {
		return entry, nil
	}

	var entry models.MemoryEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT key, data_json, created_at, updated_at
		FROM agent_memory WHERE key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMemoNotFound, key)
		}
		return nil, fmt.Errorf("failed to get memory entry: %w", err)
	}

	s.cache.Add(key, &entry)
	return &entry, nil
}

// Put upserts the entry for a fingerprint. Re-putting an existing key
// overwrites its data and bumps updated_at (last-writer-wins).
func (s *MemoStore) Put(ctx context.Context, key string, data json.RawMessage) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_memory (key, data_json, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (key) DO UPDATE
		SET data_json = EXCLUDED.data_json, updated_at = EXCLUDED.updated_at`,
		key, []byte(data), now,
	)
	if err != nil {
		return fmt.Errorf("failed to put memory entry: %w", err)
	}

	s.cache.Add(key, &models.MemoryEntry{
		Key: key, Data: data, CreatedAt: now, UpdatedAt: now,
	})
	return nil
}

// Prune deletes entries not updated within the retention window and drops
// the front cache (evicted rows must not survive in memory). Returns the
// number of deleted entries.
func (s *MemoStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_memory WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune memory entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		s.cache.Purge()
	}
	return int(n), nil
}
