package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateCorrection stores a steering correction. Empty ProjectID = global.
func (s *Store) CreateCorrection(ctx context.Context, c *SteeringCorrection) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.Domain == "" {
		c.Domain = "general"
	}
	c.CreatedAt = time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steering_corrections (id, project_id, domain, body, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Domain, c.Text, c.Active, c.CreatedAt,
	)
	return mapErr(err)
}

// ListActiveCorrections returns active corrections scoped to the project plus
// globals, grouped stably: domain asc, then age.
func (s *Store) ListActiveCorrections(ctx context.Context, projectID string) ([]SteeringCorrection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, domain, body, active, created_at
		 FROM steering_corrections
		 WHERE active = 1 AND (project_id = ? OR project_id = '')
		 ORDER BY domain ASC, created_at ASC`,
		projectID)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return collectCorrections(rows)
}

// ListCorrections returns every correction, optionally scoped to a project.
func (s *Store) ListCorrections(ctx context.Context, projectID string) ([]SteeringCorrection, error) {
	query := `SELECT id, project_id, domain, body, active, created_at FROM steering_corrections`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id = ? OR project_id = ''`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return collectCorrections(rows)
}

// SetCorrectionActive toggles a correction without deleting its history.
func (s *Store) SetCorrectionActive(ctx context.Context, id string, active bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE steering_corrections SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

// DeleteCorrection removes a correction permanently.
func (s *Store) DeleteCorrection(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM steering_corrections WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func collectCorrections(rows *sql.Rows) ([]SteeringCorrection, error) {
	defer rows.Close()
	var out []SteeringCorrection
	for rows.Next() {
		var c SteeringCorrection
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Domain, &c.Text, &c.Active, &c.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, c)
	}
	return out, wrapStorage(rows.Err())
}
