// Package pgstore is a Postgres-backed conformance implementation of
// procstore.Store (§4.9), built on a pooled connection and idempotent
// schema bootstrap. It is additional to internal/memstore, which remains
// the store-contract ground truth; pgstore exists so instances, the job
// queue, and the event log survive process restarts in a real deployment.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/bplrt/internal/cache"
	"github.com/oriys/bplrt/internal/procstore"
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// per-operation helpers run either standalone or inside CommitTick's
// transaction without duplicating SQL.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a process store backed by a Postgres connection pool.
type Store struct {
	pool *pgxpool.Pool

	// progCache fronts LoadProgram with an optional read-through cache,
	// keyed by version (§5: "the program store is effectively read-only
	// after publication; implementations may cache programs by version").
	// Nil means every load hits Postgres.
	progCache    cache.Cache
	progCacheTTL time.Duration
}

// WithProgramCache attaches a read-through cache in front of LoadProgram.
// ttl of zero lets the cache implementation pick its own default (or never
// expire, for an InMemoryCache sized to the working set of live versions).
func (s *Store) WithProgramCache(c cache.Cache, ttl time.Duration) *Store {
	s.progCache = c
	s.progCacheTTL = ttl
	return s
}

// Open connects to dsn, verifies connectivity, and ensures the schema
// exists.
func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pgstore: DSN is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bplrt_instances (
			instance_id TEXT PRIMARY KEY,
			process_key TEXT NOT NULL,
			version BYTEA NOT NULL,
			payload JSONB NOT NULL,
			payload_hash BYTEA NOT NULL,
			flags JSONB NOT NULL,
			state SMALLINT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bplrt_fibers (
			instance_id TEXT NOT NULL,
			fiber_id TEXT NOT NULL,
			pc INT NOT NULL,
			stack JSONB NOT NULL,
			wait JSONB NOT NULL,
			wait_kind SMALLINT NOT NULL DEFAULT 0,
			wait_deadline TIMESTAMPTZ,
			PRIMARY KEY (instance_id, fiber_id)
		)`,
		`CREATE INDEX IF NOT EXISTS bplrt_fibers_due_idx ON bplrt_fibers (wait_kind, wait_deadline)`,
		`CREATE TABLE IF NOT EXISTS bplrt_joins (
			instance_id TEXT NOT NULL,
			join_id TEXT NOT NULL,
			count INT NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, join_id)
		)`,
		`CREATE TABLE IF NOT EXISTS bplrt_dedupe (
			dedupe_key TEXT PRIMARY KEY,
			job_key TEXT NOT NULL,
			payload JSONB NOT NULL,
			payload_hash BYTEA NOT NULL,
			orch_flags JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bplrt_jobs (
			job_key TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			task_type TEXT NOT NULL,
			service_task_id TEXT NOT NULL,
			payload JSONB NOT NULL,
			payload_hash BYTEA NOT NULL,
			orch_flags JSONB NOT NULL,
			retries_remaining INT NOT NULL,
			status SMALLINT NOT NULL, -- 0=queued, 1=inflight
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS bplrt_jobs_dequeue_idx ON bplrt_jobs (task_type, status, enqueued_at)`,
		`CREATE TABLE IF NOT EXISTS bplrt_programs (
			version BYTEA PRIMARY KEY,
			program JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bplrt_dead_letters (
			name TEXT NOT NULL,
			corr_key TEXT NOT NULL,
			payload BYTEA NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (name, corr_key)
		)`,
		`CREATE TABLE IF NOT EXISTS bplrt_events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind SMALLINT NOT NULL,
			fiber_id TEXT NOT NULL DEFAULT '',
			job_key TEXT NOT NULL DEFAULT '',
			join_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (instance_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS bplrt_event_seq (
			instance_id TEXT PRIMARY KEY,
			next_seq BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS bplrt_payload_history (
			instance_id TEXT NOT NULL,
			payload_hash BYTEA NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (instance_id, payload_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS bplrt_incidents (
			instance_id TEXT NOT NULL,
			code TEXT NOT NULL,
			element_id TEXT NOT NULL,
			severity SMALLINT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS bplrt_incidents_instance_idx ON bplrt_incidents (instance_id, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: ensure schema: %w", err)
		}
	}
	return nil
}

// Lock acquires a session-level Postgres advisory lock keyed by instanceID
// for the duration of fn, so concurrent ticks for the same instance are
// forbidden across every process sharing this database (§5), not merely
// within one. A dedicated pooled connection is pinned for the advisory
// lock's lifetime since pg_advisory_lock is connection-scoped.
func (s *Store) Lock(ctx context.Context, instanceID string, fn func(context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: acquire lock conn: %w", err)
	}
	defer conn.Release()

	key := advisoryKey(instanceID)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("pgstore: advisory lock: %w", err)
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)

	return fn(ctx)
}

// advisoryKey folds instanceID (typically a UUID string) into the int64
// space pg_advisory_lock expects, using an FNV-1a hash.
func advisoryKey(instanceID string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(instanceID); i++ {
		h ^= uint64(instanceID[i])
		h *= 1099511628211
	}
	return int64(h)
}

var _ procstore.Store = (*Store)(nil)
