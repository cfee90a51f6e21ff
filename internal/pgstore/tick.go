package pgstore

import (
	"context"
	"fmt"

	"github.com/oriys/bplrt/internal/procstore"
)

// CommitTick applies every part of m inside one Postgres transaction, so
// the all-or-nothing guarantee of §4.9(a) is the database's own atomicity
// rather than something the engine has to simulate: flags, payload,
// fiber saves/deletes, job enqueues, the state transition, and the event
// appends either all land together or the transaction rolls back and
// nothing does.
func (s *Store) CommitTick(ctx context.Context, m procstore.TickMutation) ([]uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin commit tick: %w", err)
	}
	defer tx.Rollback(ctx)

	if len(m.FlagUpdates) != 0 {
		if err := s.updateInstanceFlagsTx(ctx, tx, m.InstanceID, m.FlagUpdates); err != nil {
			return nil, err
		}
	}

	if m.PayloadUpdate != nil {
		inst, err := scanInstanceTx(ctx, tx, m.InstanceID)
		if err != nil {
			return nil, err
		}
		// Payload history must be written before the new current payload
		// lands, in the same commit (§4.9(c)).
		if err := s.savePayloadVersionTx(ctx, tx, m.InstanceID, inst.DomainPayloadHash, inst.DomainPayload); err != nil {
			return nil, err
		}
		if err := s.updateInstancePayloadTx(ctx, tx, m.InstanceID, m.PayloadUpdate.Payload, m.PayloadUpdate.Hash); err != nil {
			return nil, err
		}
	}

	for _, f := range m.FibersToSave {
		if err := s.saveFiberTx(ctx, tx, f); err != nil {
			return nil, err
		}
	}
	for _, fiberID := range m.FiberIDsToDelete {
		if _, err := tx.Exec(ctx, `DELETE FROM bplrt_fibers WHERE instance_id=$1 AND fiber_id=$2`, m.InstanceID, fiberID); err != nil {
			return nil, fmt.Errorf("pgstore: delete fiber in tick: %w", err)
		}
	}

	for _, a := range m.JobEnqueues {
		if err := s.enqueueJobTx(ctx, tx, a); err != nil {
			return nil, err
		}
	}

	if m.NewState != nil {
		ct, err := tx.Exec(ctx, `UPDATE bplrt_instances SET state=$2 WHERE instance_id=$1`, m.InstanceID, *m.NewState)
		if err != nil {
			return nil, fmt.Errorf("pgstore: update state in tick: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return nil, procstore.ErrNotFound
		}
	}

	seqs := make([]uint64, len(m.Events))
	for i, e := range m.Events {
		seq, err := s.appendEventTx(ctx, tx, m.InstanceID, e)
		if err != nil {
			return nil, err
		}
		seqs[i] = seq
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: commit tick: %w", err)
	}
	return seqs, nil
}

func scanInstanceTx(ctx context.Context, q queryer, instanceID string) (procstore.Instance, error) {
	row := q.QueryRow(ctx, `
		SELECT process_key, version, payload, payload_hash, flags, state, correlation_id, created_at
		FROM bplrt_instances WHERE instance_id = $1
	`, instanceID)
	return scanInstance(row, instanceID)
}
