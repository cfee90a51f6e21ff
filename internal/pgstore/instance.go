package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

func (s *Store) SaveInstance(ctx context.Context, inst procstore.Instance) error {
	flags, err := marshalFlagMap(inst.Flags)
	if err != nil {
		return fmt.Errorf("pgstore: marshal flags: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bplrt_instances (instance_id, process_key, version, payload, payload_hash, flags, state, correlation_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (instance_id) DO UPDATE SET
			process_key=$2, version=$3, payload=$4, payload_hash=$5, flags=$6, state=$7, correlation_id=$8
	`, inst.InstanceID, inst.ProcessKey, inst.Version[:], inst.DomainPayload.Bytes(), inst.DomainPayloadHash[:],
		flags, inst.State, inst.CorrelationID, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: save instance: %w", err)
	}
	return nil
}

func (s *Store) LoadInstance(ctx context.Context, instanceID string) (procstore.Instance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT process_key, version, payload, payload_hash, flags, state, correlation_id, created_at
		FROM bplrt_instances WHERE instance_id = $1
	`, instanceID)
	return scanInstance(row, instanceID)
}

func scanInstance(row pgx.Row, instanceID string) (procstore.Instance, error) {
	var (
		processKey, correlationID string
		version, payloadHash      []byte
		payload, flags            []byte
		state                     procstore.InstanceState
		createdAt                 time.Time
	)
	inst := procstore.Instance{InstanceID: instanceID}
	if err := row.Scan(&processKey, &version, &payload, &payloadHash, &flags, &state, &correlationID, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return procstore.Instance{}, procstore.ErrNotFound
		}
		return procstore.Instance{}, fmt.Errorf("pgstore: load instance: %w", err)
	}
	p, err := value.NewDomainPayload(payload)
	if err != nil {
		return procstore.Instance{}, fmt.Errorf("pgstore: decode instance payload: %w", err)
	}
	fm, err := unmarshalFlagMap(flags)
	if err != nil {
		return procstore.Instance{}, fmt.Errorf("pgstore: decode instance flags: %w", err)
	}
	inst.ProcessKey = processKey
	copy(inst.Version[:], version)
	inst.DomainPayload = p
	copy(inst.DomainPayloadHash[:], payloadHash)
	inst.Flags = fm
	inst.State = state
	inst.CorrelationID = correlationID
	inst.CreatedAt = createdAt
	return inst, nil
}

func (s *Store) UpdateInstanceState(ctx context.Context, instanceID string, state procstore.InstanceState) error {
	ct, err := s.pool.Exec(ctx, `UPDATE bplrt_instances SET state=$2 WHERE instance_id=$1`, instanceID, state)
	if err != nil {
		return fmt.Errorf("pgstore: update instance state: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return procstore.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateInstanceFlags(ctx context.Context, instanceID string, flags value.FlagMap) error {
	return s.updateInstanceFlagsTx(ctx, s.pool, instanceID, flags)
}

func (s *Store) updateInstanceFlagsTx(ctx context.Context, q queryer, instanceID string, flags value.FlagMap) error {
	existing, err := s.loadFlagsTx(ctx, q, instanceID)
	if err != nil {
		return err
	}
	merged, err := marshalFlagMap(existing.Merge(flags))
	if err != nil {
		return err
	}
	ct, err := q.Exec(ctx, `UPDATE bplrt_instances SET flags=$2 WHERE instance_id=$1`, instanceID, merged)
	if err != nil {
		return fmt.Errorf("pgstore: update instance flags: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return procstore.ErrNotFound
	}
	return nil
}

func (s *Store) loadFlagsTx(ctx context.Context, q queryer, instanceID string) (value.FlagMap, error) {
	var raw []byte
	if err := q.QueryRow(ctx, `SELECT flags FROM bplrt_instances WHERE instance_id=$1`, instanceID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, procstore.ErrNotFound
		}
		return nil, err
	}
	return unmarshalFlagMap(raw)
}

func (s *Store) UpdateInstancePayload(ctx context.Context, instanceID string, payload value.DomainPayload, hash value.PayloadHash) error {
	return s.updateInstancePayloadTx(ctx, s.pool, instanceID, payload, hash)
}

func (s *Store) updateInstancePayloadTx(ctx context.Context, q queryer, instanceID string, payload value.DomainPayload, hash value.PayloadHash) error {
	ct, err := q.Exec(ctx, `UPDATE bplrt_instances SET payload=$2, payload_hash=$3 WHERE instance_id=$1`,
		instanceID, payload.Bytes(), hash[:])
	if err != nil {
		return fmt.Errorf("pgstore: update instance payload: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return procstore.ErrNotFound
	}
	return nil
}
