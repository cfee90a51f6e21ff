package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

func (s *Store) SavePayloadVersion(ctx context.Context, instanceID string, hash value.PayloadHash, payload value.DomainPayload) error {
	return s.savePayloadVersionTx(ctx, s.pool, instanceID, hash, payload)
}

func (s *Store) savePayloadVersionTx(ctx context.Context, q queryer, instanceID string, hash value.PayloadHash, payload value.DomainPayload) error {
	_, err := q.Exec(ctx, `
		INSERT INTO bplrt_payload_history (instance_id, payload_hash, payload) VALUES ($1,$2,$3)
		ON CONFLICT (instance_id, payload_hash) DO NOTHING
	`, instanceID, hash[:], payload.Bytes())
	if err != nil {
		return fmt.Errorf("pgstore: save payload version: %w", err)
	}
	return nil
}

func (s *Store) LoadPayloadVersion(ctx context.Context, instanceID string, hash value.PayloadHash) (value.DomainPayload, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM bplrt_payload_history WHERE instance_id=$1 AND payload_hash=$2`, instanceID, hash[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return value.DomainPayload{}, procstore.ErrNotFound
		}
		return value.DomainPayload{}, fmt.Errorf("pgstore: load payload version: %w", err)
	}
	return value.NewDomainPayload(raw)
}
