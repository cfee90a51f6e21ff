package pgstore

import (
	"context"
	"fmt"
)

func (s *Store) JoinArrive(ctx context.Context, instanceID, joinID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bplrt_joins (instance_id, join_id, count) VALUES ($1,$2,1)
		ON CONFLICT (instance_id, join_id) DO UPDATE SET count = bplrt_joins.count + 1
		RETURNING count
	`, instanceID, joinID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pgstore: join arrive: %w", err)
	}
	return count, nil
}

func (s *Store) JoinReset(ctx context.Context, instanceID, joinID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bplrt_joins WHERE instance_id=$1 AND join_id=$2`, instanceID, joinID)
	if err != nil {
		return fmt.Errorf("pgstore: join reset: %w", err)
	}
	return nil
}

func (s *Store) JoinDeleteAll(ctx context.Context, instanceID string) error {
	return s.joinDeleteAllTx(ctx, s.pool, instanceID)
}

func (s *Store) joinDeleteAllTx(ctx context.Context, q queryer, instanceID string) error {
	_, err := q.Exec(ctx, `DELETE FROM bplrt_joins WHERE instance_id=$1`, instanceID)
	if err != nil {
		return fmt.Errorf("pgstore: join delete all: %w", err)
	}
	return nil
}
