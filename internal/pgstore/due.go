package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/bplrt/internal/procstore"
)

// DueInstances implements engine.InstanceSource over the wait_kind/
// wait_deadline columns bplrt_fibers maintains alongside the wait JSONB
// blob specifically so this query can use an index instead of scanning
// every fiber's JSON payload (memstore's equivalent is a direct map scan,
// acceptable at its scale but not at Postgres row counts).
func (s *Store) DueInstances(ctx context.Context, max int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT instance_id FROM bplrt_fibers
		WHERE wait_kind = $1 AND wait_deadline <= $2
		LIMIT $3
	`, procstore.WaitTimer, time.Now(), max)
	if err != nil {
		return nil, fmt.Errorf("pgstore: due instances: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
