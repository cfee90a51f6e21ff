package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oriys/bplrt/internal/bytecode"
	"github.com/oriys/bplrt/internal/procstore"
	"github.com/oriys/bplrt/internal/value"
)

type wireWait struct {
	Kind            procstore.WaitKind `json:"kind"`
	JobKey          string             `json:"job_key,omitempty"`
	Deadline        time.Time          `json:"deadline,omitempty"`
	CorrelationName string             `json:"correlation_name,omitempty"`
	CorrelationKey  wireValue          `json:"correlation_key,omitempty"`
	JoinID          string             `json:"join_id,omitempty"`
	HostID          string             `json:"host_id,omitempty"`
}

func marshalWait(w procstore.Wait) ([]byte, error) {
	return json.Marshal(wireWait{
		Kind: w.Kind, JobKey: w.JobKey, Deadline: w.Deadline, CorrelationName: w.CorrelationName,
		CorrelationKey: encodeValue(w.CorrelationKey), JoinID: w.JoinID, HostID: w.HostID,
	})
}

func unmarshalWait(b []byte) (procstore.Wait, error) {
	var w wireWait
	if err := json.Unmarshal(b, &w); err != nil {
		return procstore.Wait{}, err
	}
	return procstore.Wait{
		Kind: w.Kind, JobKey: w.JobKey, Deadline: w.Deadline, CorrelationName: w.CorrelationName,
		CorrelationKey: decodeValue(w.CorrelationKey), JoinID: w.JoinID, HostID: w.HostID,
	}, nil
}

func marshalStack(stack []value.Value) ([]byte, error) {
	wv := make([]wireValue, len(stack))
	for i, v := range stack {
		wv[i] = encodeValue(v)
	}
	return json.Marshal(wv)
}

func unmarshalStack(b []byte) ([]value.Value, error) {
	var wv []wireValue
	if err := json.Unmarshal(b, &wv); err != nil {
		return nil, err
	}
	out := make([]value.Value, len(wv))
	for i, w := range wv {
		out[i] = decodeValue(w)
	}
	return out, nil
}

func (s *Store) SaveFiber(ctx context.Context, f procstore.Fiber) error {
	return s.saveFiberTx(ctx, s.pool, f)
}

func (s *Store) saveFiberTx(ctx context.Context, q queryer, f procstore.Fiber) error {
	stack, err := marshalStack(f.Stack)
	if err != nil {
		return err
	}
	wait, err := marshalWait(f.Wait)
	if err != nil {
		return err
	}
	var deadline *time.Time
	if f.Wait.Kind == procstore.WaitTimer {
		d := f.Wait.Deadline
		deadline = &d
	}
	_, err = q.Exec(ctx, `
		INSERT INTO bplrt_fibers (instance_id, fiber_id, pc, stack, wait, wait_kind, wait_deadline)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (instance_id, fiber_id) DO UPDATE SET pc=$3, stack=$4, wait=$5, wait_kind=$6, wait_deadline=$7
	`, f.InstanceID, f.FiberID, int32(f.PC), stack, wait, f.Wait.Kind, deadline)
	if err != nil {
		return fmt.Errorf("pgstore: save fiber: %w", err)
	}
	return nil
}

func (s *Store) LoadFiber(ctx context.Context, instanceID, fiberID string) (procstore.Fiber, error) {
	row := s.pool.QueryRow(ctx, `SELECT pc, stack, wait FROM bplrt_fibers WHERE instance_id=$1 AND fiber_id=$2`, instanceID, fiberID)
	return scanFiber(row, instanceID, fiberID)
}

func scanFiber(row pgx.Row, instanceID, fiberID string) (procstore.Fiber, error) {
	var pc int32
	var stackRaw, waitRaw []byte
	if err := row.Scan(&pc, &stackRaw, &waitRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return procstore.Fiber{}, procstore.ErrNotFound
		}
		return procstore.Fiber{}, fmt.Errorf("pgstore: load fiber: %w", err)
	}
	stack, err := unmarshalStack(stackRaw)
	if err != nil {
		return procstore.Fiber{}, err
	}
	wait, err := unmarshalWait(waitRaw)
	if err != nil {
		return procstore.Fiber{}, err
	}
	return procstore.Fiber{
		FiberID: fiberID, InstanceID: instanceID, PC: bytecode.Addr(pc), Stack: stack, Wait: wait,
	}, nil
}

func (s *Store) LoadFibers(ctx context.Context, instanceID string) ([]procstore.Fiber, error) {
	rows, err := s.pool.Query(ctx, `SELECT fiber_id, pc, stack, wait FROM bplrt_fibers WHERE instance_id=$1 ORDER BY fiber_id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load fibers: %w", err)
	}
	defer rows.Close()
	var out []procstore.Fiber
	for rows.Next() {
		var fiberID string
		var pc int32
		var stackRaw, waitRaw []byte
		if err := rows.Scan(&fiberID, &pc, &stackRaw, &waitRaw); err != nil {
			return nil, fmt.Errorf("pgstore: scan fiber: %w", err)
		}
		stack, err := unmarshalStack(stackRaw)
		if err != nil {
			return nil, err
		}
		wait, err := unmarshalWait(waitRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, procstore.Fiber{FiberID: fiberID, InstanceID: instanceID, PC: bytecode.Addr(pc), Stack: stack, Wait: wait})
	}
	return out, rows.Err()
}

func (s *Store) DeleteFiber(ctx context.Context, instanceID, fiberID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bplrt_fibers WHERE instance_id=$1 AND fiber_id=$2`, instanceID, fiberID)
	if err != nil {
		return fmt.Errorf("pgstore: delete fiber: %w", err)
	}
	return nil
}

func (s *Store) DeleteAllFibers(ctx context.Context, instanceID string) error {
	return s.deleteAllFibersTx(ctx, s.pool, instanceID)
}

func (s *Store) deleteAllFibersTx(ctx context.Context, q queryer, instanceID string) error {
	_, err := q.Exec(ctx, `DELETE FROM bplrt_fibers WHERE instance_id=$1`, instanceID)
	if err != nil {
		return fmt.Errorf("pgstore: delete all fibers: %w", err)
	}
	return nil
}
