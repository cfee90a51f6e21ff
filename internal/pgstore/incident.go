package pgstore

import (
	"context"
	"fmt"

	"github.com/oriys/bplrt/internal/procstore"
)

func (s *Store) SaveIncident(ctx context.Context, incident procstore.Incident) error {
	return s.saveIncidentTx(ctx, s.pool, incident)
}

func (s *Store) saveIncidentTx(ctx context.Context, q queryer, incident procstore.Incident) error {
	_, err := q.Exec(ctx, `
		INSERT INTO bplrt_incidents (instance_id, code, element_id, severity, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, incident.InstanceID, incident.Code, incident.ElementID, incident.Severity, incident.Detail, incident.Timestamp)
	if err != nil {
		return fmt.Errorf("pgstore: save incident: %w", err)
	}
	return nil
}

func (s *Store) LoadIncidents(ctx context.Context, instanceID string) ([]procstore.Incident, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT code, element_id, severity, detail, at FROM bplrt_incidents WHERE instance_id=$1 ORDER BY at
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load incidents: %w", err)
	}
	defer rows.Close()
	var out []procstore.Incident
	for rows.Next() {
		inc := procstore.Incident{InstanceID: instanceID}
		if err := rows.Scan(&inc.Code, &inc.ElementID, &inc.Severity, &inc.Detail, &inc.Timestamp); err != nil {
			return nil, fmt.Errorf("pgstore: scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
