// Package idempotency arbitrates Idempotency-Key reuse: a key paired
// with the same request body replays the cached response, the same key
// paired with a different body is a conflict, and an unseen key is new.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outcome is the result of arbitrating a request against a key.
type Outcome int

const (
	// New means the key has not been seen; the caller should process the
	// request and call Remember with its response.
	New Outcome = iota
	// Replay means the key was seen with an identical request hash;
	// the caller should return CachedResponse without reprocessing.
	Replay
	// Conflict means the key was seen with a different request hash.
	Conflict
)

// ErrNotFound is returned by a Store when a key has no record.
var ErrNotFound = errors.New("idempotency: key not found")

// Record is what a Store persists per key.
type Record struct {
	Hash     string
	Response json.RawMessage
}

// Store persists idempotency records with a bounded lifetime.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, key string, rec Record, ttl time.Duration) error
}

// HashRequest derives a stable hash for an arbitrary request body, used
// to detect whether a reused key is a true replay or a conflicting reuse.
func HashRequest(body interface{}) (string, error) {
	canon, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Arbitrate decides New/Replay/Conflict for key against requestHash. On
// Replay it also returns the cached response; on Conflict the cached
// response is returned for diagnostic purposes, not for replay.
func Arbitrate(ctx context.Context, store Store, key, requestHash string) (Outcome, json.RawMessage, error) {
	if key == "" {
		return New, nil, nil
	}
	rec, err := store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return New, nil, nil
	}
	if err != nil {
		return New, nil, err
	}
	if rec.Hash == requestHash {
		return Replay, rec.Response, nil
	}
	return Conflict, rec.Response, nil
}

// Remember persists the outcome of processing a New request so future
// replays of the same key can be served without reprocessing.
func Remember(ctx context.Context, store Store, key, requestHash string, response interface{}, ttl time.Duration) error {
	if key == "" {
		return nil
	}
	body, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Record{Hash: requestHash, Response: body}, ttl)
}

// InMemoryStore is a TTL map, used by tests and by cmd/server when no
// Postgres connection is configured.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]inMemEntry
}

type inMemEntry struct {
	rec    Record
	expiry time.Time
}

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]inMemEntry)}
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	if time.Now().After(e.expiry) {
		delete(s.entries, key)
		return Record{}, ErrNotFound
	}
	return e.rec, nil
}

// Put implements Store.
func (s *InMemoryStore) Put(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s.entries[key] = inMemEntry{rec: rec, expiry: time.Now().Add(ttl)}
	return nil
}

// PostgresStore persists idempotency records in Postgres, generalizing the
// teacher's key->ride_id table to a key->(hash, response) record.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the backing table if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	request_hash TEXT NOT NULL,
	response JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_idx ON idempotency_keys(expires_at);
`)
	return err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (Record, error) {
	var hash string
	var response json.RawMessage
	var expires time.Time
	err := s.pool.QueryRow(ctx, `
SELECT request_hash, response, expires_at FROM idempotency_keys WHERE key = $1
`, key).Scan(&hash, &response, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if time.Now().After(expires) {
		return Record{}, ErrNotFound
	}
	return Record{Hash: hash, Response: response}, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	exp := time.Now().Add(ttl)
	_, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, request_hash, response, expires_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (key) DO UPDATE SET request_hash=EXCLUDED.request_hash, response=EXCLUDED.response, expires_at=EXCLUDED.expires_at
`, key, rec.Hash, rec.Response, exp)
	return err
}
