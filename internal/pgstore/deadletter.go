package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/bplrt/internal/value"
)

const defaultDeadLetterTTL = 24 * time.Hour

func (s *Store) DeadLetterPut(ctx context.Context, name string, corrKey value.Value, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultDeadLetterTTL
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bplrt_dead_letters (name, corr_key, payload, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (name, corr_key) DO UPDATE SET payload=$3, expires_at=$4
	`, name, corrKey.SerializeKey(), payload, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("pgstore: dead letter put: %w", err)
	}
	return nil
}

// DeadLetterTake claims and removes the entry in one round trip via
// DELETE...RETURNING, so a concurrent take never observes a payload twice.
func (s *Store) DeadLetterTake(ctx context.Context, name string, corrKey value.Value) ([]byte, bool, error) {
	var payload []byte
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `
		DELETE FROM bplrt_dead_letters WHERE name=$1 AND corr_key=$2
		RETURNING payload, expires_at
	`, name, corrKey.SerializeKey()).Scan(&payload, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pgstore: dead letter take: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, false, nil
	}
	return payload, true, nil
}
