package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

func (s *Store) DedupeGet(ctx context.Context, key string) (procstore.JobCompletion, bool, error) {
	var jobKey string
	var payload, flags, payloadHash []byte
	err := s.pool.QueryRow(ctx, `SELECT job_key, payload, payload_hash, orch_flags FROM bplrt_dedupe WHERE dedupe_key=$1`, key).
		Scan(&jobKey, &payload, &payloadHash, &flags)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return procstore.JobCompletion{}, false, nil
		}
		return procstore.JobCompletion{}, false, fmt.Errorf("pgstore: dedupe get: %w", err)
	}
	p, err := value.NewDomainPayload(payload)
	if err != nil {
		return procstore.JobCompletion{}, false, err
	}
	fm, err := unmarshalFlagMap(flags)
	if err != nil {
		return procstore.JobCompletion{}, false, err
	}
	var hash value.PayloadHash
	copy(hash[:], payloadHash)
	return procstore.JobCompletion{JobKey: jobKey, DomainPayload: p, DomainPayloadHash: hash, OrchFlags: fm}, true, nil
}

func (s *Store) DedupePut(ctx context.Context, key string, completion procstore.JobCompletion) error {
	flags, err := marshalFlagMap(completion.OrchFlags)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO bplrt_dedupe (dedupe_key, job_key, payload, payload_hash, orch_flags)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (dedupe_key) DO UPDATE SET job_key=$2, payload=$3, payload_hash=$4, orch_flags=$5
	`, key, completion.JobKey, completion.DomainPayload.Bytes(), completion.DomainPayloadHash[:], flags)
	if err != nil {
		return fmt.Errorf("pgstore: dedupe put: %w", err)
	}
	return nil
}
