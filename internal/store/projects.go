package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// CreateProject inserts a new project. ID and timestamps are assigned here.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.Must(uuid.NewV7()).String()
	}
	if p.Status == "" {
		p.Status = ProjectActive
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, status, color, agent_timeout_minutes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Status, p.Color, p.AgentTimeoutMinutes, p.CreatedAt, p.UpdatedAt,
	)
	return mapErr(err)
}

// GetProject fetches one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, color, agent_timeout_minutes, created_at, updated_at
		 FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// ListProjects returns projects ordered by most recently updated.
// Empty status means all.
func (s *Store) ListProjects(ctx context.Context, status ProjectStatus) ([]Project, error) {
	query := `SELECT id, name, description, status, color, agent_timeout_minutes, created_at, updated_at
	          FROM projects`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, wrapStorage(rows.Err())
}

// UpdateProject updates mutable project fields.
func (s *Store) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now().UTC()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, status = ?, color = ?, agent_timeout_minutes = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Description, p.Status, p.Color, p.AgentTimeoutMinutes, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

// DeleteProject removes a project; cards, documents, decisions, and
// conversations cascade. Audit and token usage are retained.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM search_index WHERE entity_id IN (SELECT id FROM cards WHERE project_id = ?)
			 OR entity_id IN (SELECT id FROM documents WHERE project_id = ?)
			 OR entity_id IN (SELECT id FROM decisions WHERE project_id = ?)`,
			id, id, id); err != nil {
			return mapErr(err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return mapErr(err)
		}
		return requireRow(res)
	})
}

// touchProject bumps updated_at inside an existing transaction.
func touchProject(ctx context.Context, tx *sql.Tx, projectID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, now, projectID)
	return mapErr(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.Color,
		&p.AgentTimeoutMinutes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

// requireRow converts a zero-row update/delete into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStorage(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
