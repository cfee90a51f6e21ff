package pgstore

import (
	"context"
	"fmt"

	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

const (
	jobStatusQueued  = 0
	jobStatusInFlight = 1
)

func (s *Store) EnqueueJob(ctx context.Context, a procstore.JobActivation) error {
	return s.enqueueJobTx(ctx, s.pool, a)
}

func (s *Store) enqueueJobTx(ctx context.Context, q queryer, a procstore.JobActivation) error {
	flags, err := marshalFlagMap(a.OrchFlags)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO bplrt_jobs (job_key, instance_id, task_type, service_task_id, payload, payload_hash, orch_flags, retries_remaining, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.JobKey, a.InstanceID, a.TaskType, a.ServiceTaskID, a.DomainPayload.Bytes(), a.DomainPayloadHash[:], flags, a.RetriesRemaining, jobStatusQueued)
	if err != nil {
		return fmt.Errorf("pgstore: enqueue job: %w", err)
	}
	return nil
}

// DequeueJobs claims up to max queued activations across taskTypes in a
// single round trip: FOR UPDATE SKIP LOCKED lets concurrent workers race
// the same table without blocking each other, and the CTE-style UPDATE...
// RETURNING moves the claimed rows to in-flight atomically with the read.
func (s *Store) DequeueJobs(ctx context.Context, taskTypes []string, max int) ([]procstore.JobActivation, error) {
	if len(taskTypes) == 0 || max <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			SELECT job_key FROM bplrt_jobs
			WHERE task_type = ANY($1) AND status = $2
			ORDER BY enqueued_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE bplrt_jobs SET status = $4
		WHERE job_key IN (SELECT job_key FROM claimed)
		RETURNING job_key, instance_id, task_type, service_task_id, payload, payload_hash, orch_flags, retries_remaining
	`, taskTypes, jobStatusQueued, max, jobStatusInFlight)
	if err != nil {
		return nil, fmt.Errorf("pgstore: dequeue jobs: %w", err)
	}
	defer rows.Close()

	var out []procstore.JobActivation
	for rows.Next() {
		var a procstore.JobActivation
		var payload, payloadHash, flags []byte
		if err := rows.Scan(&a.JobKey, &a.InstanceID, &a.TaskType, &a.ServiceTaskID, &payload, &payloadHash, &flags, &a.RetriesRemaining); err != nil {
			return nil, fmt.Errorf("pgstore: scan job: %w", err)
		}
		p, err := value.NewDomainPayload(payload)
		if err != nil {
			return nil, err
		}
		fm, err := unmarshalFlagMap(flags)
		if err != nil {
			return nil, err
		}
		a.DomainPayload = p
		copy(a.DomainPayloadHash[:], payloadHash)
		a.OrchFlags = fm
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AckJob(ctx context.Context, jobKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bplrt_jobs WHERE job_key=$1`, jobKey)
	if err != nil {
		return fmt.Errorf("pgstore: ack job: %w", err)
	}
	return nil
}

func (s *Store) CancelJobsForInstance(ctx context.Context, instanceID string) ([]string, error) {
	return s.cancelJobsForInstanceTx(ctx, s.pool, instanceID)
}

func (s *Store) cancelJobsForInstanceTx(ctx context.Context, q queryer, instanceID string) ([]string, error) {
	rows, err := q.Query(ctx, `DELETE FROM bplrt_jobs WHERE instance_id=$1 RETURNING job_key`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: cancel jobs: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
