package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore caches the serialized response of a decided action
// so a retried POST /actions with the same idempotency_key replays the
// original decision instead of running the pipeline again.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, response []byte) error
}

type memoryEntry struct {
	body      []byte
	expiresAt time.Time
}

// MemoryIdempotency is the in-process backend for single-node
// deployments and tests.
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

// NewMemoryIdempotency builds the in-memory backend.
func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{entries: make(map[string]memoryEntry), ttl: ttl}
}

func (m *MemoryIdempotency) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.body, true, nil
}

func (m *MemoryIdempotency) Set(ctx context.Context, key string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Opportunistic sweep keeps the map bounded without a background
	// goroutine.
	now := time.Now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	m.entries[key] = memoryEntry{body: response, expiresAt: now.Add(m.ttl)}
	return nil
}

// PostgresIdempotency persists replay entries in the idempotency_keys
// table so they survive restarts.
type PostgresIdempotency struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotency builds the database-backed backend.
func NewPostgresIdempotency(db *sql.DB, ttl time.Duration) *PostgresIdempotency {
	return &PostgresIdempotency{db: db, ttl: ttl}
}

func (p *PostgresIdempotency) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var response []byte
	var expiresAt time.Time
	err := p.db.QueryRowContext(ctx,
		`SELECT response, expires_at FROM idempotency_keys WHERE key = $1`, key).
		Scan(&response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("api: idempotency lookup: %w", err)
	}
	if time.Now().After(expiresAt) {
		_, _ = p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false, nil
	}
	return response, true, nil
}

func (p *PostgresIdempotency) Set(ctx context.Context, key string, response []byte) error {
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, org_id, response, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO NOTHING`,
		key, "", string(response), now, now.Add(p.ttl))
	if err != nil {
		return fmt.Errorf("api: idempotency store: %w", err)
	}
	return nil
}

// RedisIdempotency shares replay entries across gateway replicas.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotency connects the Redis-backed backend.
func NewRedisIdempotency(url string, ttl time.Duration) (*RedisIdempotency, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("api: invalid redis url: %w", err)
	}
	return &RedisIdempotency{client: redis.NewClient(opts), ttl: ttl}, nil
}

func (r *RedisIdempotency) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, err := r.client.Get(ctx, "idem:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("api: idempotency lookup: %w", err)
	}
	return body, true, nil
}

func (r *RedisIdempotency) Set(ctx context.Context, key string, response []byte) error {
	if err := r.client.Set(ctx, "idem:"+key, response, r.ttl).Err(); err != nil {
		return fmt.Errorf("api: idempotency store: %w", err)
	}
	return nil
}
