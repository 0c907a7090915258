package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CreateDocument inserts a project document and indexes it for search.
func (s *Store) CreateDocument(ctx context.Context, d *ProjectDocument) error {
	if d.ID == "" {
		d.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, project_id, doc_type, title, content, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ProjectID, d.Type, d.Title, d.Content, d.CreatedAt, d.UpdatedAt,
		); err != nil {
			return mapErr(err)
		}
		if err := indexEntity(ctx, tx, "document", d.ID, d.Title, d.Content); err != nil {
			return err
		}
		return touchProject(ctx, tx, d.ProjectID, now)
	})
}

// GetDocument fetches one document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*ProjectDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, doc_type, title, content, created_at, updated_at
		 FROM documents WHERE id = ?`, id)
	var d ProjectDocument
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Type, &d.Title, &d.Content, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

// UpdateDocument rewrites a document's title and content.
func (s *Store) UpdateDocument(ctx context.Context, d *ProjectDocument) error {
	d.UpdatedAt = time.Now().UTC()
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET doc_type = ?, title = ?, content = ?, updated_at = ? WHERE id = ?`,
			d.Type, d.Title, d.Content, d.UpdatedAt, d.ID)
		if err != nil {
			return mapErr(err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return indexEntity(ctx, tx, "document", d.ID, d.Title, d.Content)
	})
}

// ListDocuments returns a project's documents, optionally filtered by type.
func (s *Store) ListDocuments(ctx context.Context, projectID string, docType DocumentType) ([]ProjectDocument, error) {
	query := `SELECT id, project_id, doc_type, title, content, created_at, updated_at
	          FROM documents WHERE project_id = ?`
	args := []any{projectID}
	if docType != "" {
		query += ` AND doc_type = ?`
		args = append(args, docType)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var out []ProjectDocument
	for rows.Next() {
		var d ProjectDocument
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Type, &d.Title, &d.Content,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, d)
	}
	return out, wrapStorage(rows.Err())
}

// DeleteDocument removes a document and its search entry.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return mapErr(err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return deindexEntity(ctx, tx, "document", id)
	})
}

// CreateDecision records an architecture decision.
func (s *Store) CreateDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.Must(uuid.NewV7()).String()
	}
	d.CreatedAt = time.Now().UTC()

	alts, err := json.Marshal(emptyIfNil(d.Alternatives))
	if err != nil {
		return wrapStorage(err)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO decisions (id, project_id, title, reasoning, alternatives, tradeoffs, created_at, revised_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.ProjectID, d.Title, d.Reasoning, string(alts), d.Tradeoffs, d.CreatedAt, d.RevisedAt,
		); err != nil {
			return mapErr(err)
		}
		return indexEntity(ctx, tx, "decision", d.ID, d.Title, d.Reasoning+"\n"+d.Tradeoffs)
	})
}

// ReviseDecision updates reasoning/tradeoffs and stamps revised_at.
func (s *Store) ReviseDecision(ctx context.Context, d *Decision) error {
	now := time.Now().UTC()
	d.RevisedAt = &now

	alts, err := json.Marshal(emptyIfNil(d.Alternatives))
	if err != nil {
		return wrapStorage(err)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE decisions SET title = ?, reasoning = ?, alternatives = ?, tradeoffs = ?, revised_at = ?
			 WHERE id = ?`,
			d.Title, d.Reasoning, string(alts), d.Tradeoffs, d.RevisedAt, d.ID)
		if err != nil {
			return mapErr(err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		return indexEntity(ctx, tx, "decision", d.ID, d.Title, d.Reasoning+"\n"+d.Tradeoffs)
	})
}

// ListDecisions returns a project's decisions, newest first.
func (s *Store) ListDecisions(ctx context.Context, projectID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, reasoning, alternatives, tradeoffs, created_at, revised_at
		 FROM decisions WHERE project_id = ? ORDER BY created_at DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var (
			d       Decision
			alts    string
			revised sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Title, &d.Reasoning, &alts,
			&d.Tradeoffs, &d.CreatedAt, &revised); err != nil {
			return nil, mapErr(err)
		}
		if err := json.Unmarshal([]byte(alts), &d.Alternatives); err != nil {
			return nil, wrapStorage(err)
		}
		if revised.Valid {
			t := revised.Time
			d.RevisedAt = &t
		}
		out = append(out, d)
	}
	return out, wrapStorage(rows.Err())
}
