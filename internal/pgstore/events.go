package pgstore

import (
	"context"
	"fmt"

	"github.com/oriys/bplrt/internal/procstore"
)

// AppendEvent allocates the next seq for instanceID from bplrt_event_seq
// and inserts the event in the same statement via a CTE, so seq allocation
// and the insert can never race apart even outside CommitTick's transaction.
func (s *Store) AppendEvent(ctx context.Context, instanceID string, e procstore.Event) (uint64, error) {
	return s.appendEventTx(ctx, s.pool, instanceID, e)
}

func (s *Store) appendEventTx(ctx context.Context, q queryer, instanceID string, e procstore.Event) (uint64, error) {
	var seq uint64
	err := q.QueryRow(ctx, `
		WITH bumped AS (
			INSERT INTO bplrt_event_seq (instance_id, next_seq) VALUES ($1, 2)
			ON CONFLICT (instance_id) DO UPDATE SET next_seq = bplrt_event_seq.next_seq + 1
			RETURNING next_seq - 1 AS next_seq
		)
		INSERT INTO bplrt_events (instance_id, seq, kind, fiber_id, job_key, join_id, detail, at)
		SELECT $1, bumped.next_seq, $2, $3, $4, $5, $6, $7 FROM bumped
		RETURNING seq
	`, instanceID, e.Kind, e.FiberID, e.JobKey, e.JoinID, e.Detail, e.At).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("pgstore: append event: %w", err)
	}
	return seq, nil
}

func (s *Store) ReadEvents(ctx context.Context, instanceID string, fromSeq uint64) ([]procstore.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, kind, fiber_id, job_key, join_id, detail, at
		FROM bplrt_events WHERE instance_id=$1 AND seq >= $2 ORDER BY seq
	`, instanceID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("pgstore: read events: %w", err)
	}
	defer rows.Close()
	var out []procstore.Event
	for rows.Next() {
		var e procstore.Event
		e.InstanceID = instanceID
		if err := rows.Scan(&e.Seq, &e.Kind, &e.FiberID, &e.JobKey, &e.JoinID, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("pgstore: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
