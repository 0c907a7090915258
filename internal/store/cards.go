package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const cardColumns = `id, project_id, title, description, board_column, position, labels, priority,
	context_snapshot, last_session_id, assigned_agent, agent_status, blocked_reason,
	verification_status, started_at, completed_at, created_at, updated_at`

// CreateCard appends a card to the tail of its column (next free position).
func (s *Store) CreateCard(ctx context.Context, c *Card) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.Column == "" {
		c.Column = ColumnBacklog
	}
	if c.AgentStatus == "" {
		c.AgentStatus = AgentIdle
	}
	if c.VerificationStatus == "" {
		c.VerificationStatus = VerifyUnverified
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	labels, err := json.Marshal(emptyIfNil(c.Labels))
	if err != nil {
		return wrapStorage(err)
	}

	return s.tx(ctx, func(tx *sql.Tx) error {
		var next sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(position) + 1 FROM cards WHERE project_id = ? AND board_column = ?`,
			c.ProjectID, c.Column).Scan(&next)
		if err != nil {
			return mapErr(err)
		}
		c.Position = int(next.Int64) // NULL → 0

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cards (id, project_id, title, description, board_column, position, labels, priority,
			    context_snapshot, last_session_id, assigned_agent, agent_status, blocked_reason,
			    verification_status, started_at, completed_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProjectID, c.Title, c.Description, c.Column, c.Position, string(labels), c.Priority,
			c.ContextSnapshot, c.LastSessionID, c.AssignedAgent, c.AgentStatus, c.BlockedReason,
			c.VerificationStatus, c.StartedAt, c.CompletedAt, c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return mapErr(err)
		}
		if err := indexEntity(ctx, tx, "card", c.ID, c.Title, c.Description); err != nil {
			return err
		}
		return touchProject(ctx, tx, c.ProjectID, now)
	})
}

// GetCard fetches one card by id.
func (s *Store) GetCard(ctx context.Context, id string) (*Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	return scanCard(row)
}

// ListCardsByColumn returns cards in one column ordered by position.
func (s *Store) ListCardsByColumn(ctx context.Context, projectID string, column Column, limit, offset int) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE project_id = ? AND board_column = ?
		 ORDER BY position ASC, updated_at ASC
		 LIMIT ? OFFSET ?`,
		projectID, column, limit, offset)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return collectCards(rows)
}

// ListCards returns every card of a project, board order.
func (s *Store) ListCards(ctx context.Context, projectID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE project_id = ?
		 ORDER BY board_column ASC, position ASC`,
		projectID)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return collectCards(rows)
}

// GetNextEligibleCard returns the most urgent backlog card not tagged
// interactive-only, or nil when the backlog is empty. Ties on priority break
// by created_at ascending.
func (s *Store) GetNextEligibleCard(ctx context.Context, projectID string) (*Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards
		 WHERE project_id = ? AND board_column = ?
		 ORDER BY priority ASC, created_at ASC`,
		projectID, ColumnBacklog)
	if err != nil {
		return nil, wrapStorage(err)
	}
	cards, err := collectCards(rows)
	if err != nil {
		return nil, err
	}
	for i := range cards {
		if !cards[i].HasLabel(LabelInteractiveOnly) {
			return &cards[i], nil
		}
	}
	return nil, nil
}

// RunningCards returns every card persisted as agent_status=running. Used by
// startup reconciliation: after a crash these are survivors, not live runs.
func (s *Store) RunningCards(ctx context.Context) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE agent_status = ?`, AgentRunning)
	if err != nil {
		return nil, wrapStorage(err)
	}
	return collectCards(rows)
}

// UpdateCard persists every mutable card field and bumps updated_at.
// Position/column changes should go through MoveCard to keep compaction.
func (s *Store) UpdateCard(ctx context.Context, c *Card) error {
	c.UpdatedAt = time.Now().UTC()
	labels, err := json.Marshal(emptyIfNil(c.Labels))
	if err != nil {
		return wrapStorage(err)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE cards SET title = ?, description = ?, labels = ?, priority = ?,
			    context_snapshot = ?, last_session_id = ?, assigned_agent = ?, agent_status = ?,
			    blocked_reason = ?, verification_status = ?, started_at = ?, completed_at = ?, updated_at = ?
			 WHERE id = ?`,
			c.Title, c.Description, string(labels), c.Priority,
			c.ContextSnapshot, c.LastSessionID, c.AssignedAgent, c.AgentStatus,
			c.BlockedReason, c.VerificationStatus, c.StartedAt, c.CompletedAt, c.UpdatedAt,
			c.ID,
		)
		if err != nil {
			return mapErr(err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
		if err := indexEntity(ctx, tx, "card", c.ID, c.Title, c.Description); err != nil {
			return err
		}
		return touchProject(ctx, tx, c.ProjectID, c.UpdatedAt)
	})
}

// MoveCard places the card at position within column, shifting siblings so
// positions stay a compact 0..n-1 sequence in both the source and target
// columns. The card struct is updated in place.
func (s *Store) MoveCard(ctx context.Context, cardID string, column Column, position int) error {
	now := time.Now().UTC()
	return s.tx(ctx, func(tx *sql.Tx) error {
		card, err := scanCard(tx.QueryRowContext(ctx,
			`SELECT `+cardColumns+` FROM cards WHERE id = ?`, cardID))
		if err != nil {
			return err
		}

		// Close the gap in the source column.
		if _, err := tx.ExecContext(ctx,
			`UPDATE cards SET position = position - 1
			 WHERE project_id = ? AND board_column = ? AND position > ?`,
			card.ProjectID, card.Column, card.Position); err != nil {
			return mapErr(err)
		}

		// Clamp into the target column's occupancy.
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cards WHERE project_id = ? AND board_column = ? AND id != ?`,
			card.ProjectID, column, cardID).Scan(&count); err != nil {
			return mapErr(err)
		}
		if position < 0 {
			position = 0
		}
		if position > count {
			position = count
		}

		// Open a slot in the target column.
		if _, err := tx.ExecContext(ctx,
			`UPDATE cards SET position = position + 1
			 WHERE project_id = ? AND board_column = ? AND position >= ? AND id != ?`,
			card.ProjectID, column, position, cardID); err != nil {
			return mapErr(err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE cards SET board_column = ?, position = ?, updated_at = ? WHERE id = ?`,
			column, position, now, cardID); err != nil {
			return mapErr(err)
		}
		return touchProject(ctx, tx, card.ProjectID, now)
	})
}

// DeleteCard removes a card and compacts its column.
func (s *Store) DeleteCard(ctx context.Context, cardID string) error {
	now := time.Now().UTC()
	return s.tx(ctx, func(tx *sql.Tx) error {
		card, err := scanCard(tx.QueryRowContext(ctx,
			`SELECT `+cardColumns+` FROM cards WHERE id = ?`, cardID))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, cardID); err != nil {
			return mapErr(err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cards SET position = position - 1
			 WHERE project_id = ? AND board_column = ? AND position > ?`,
			card.ProjectID, card.Column, card.Position); err != nil {
			return mapErr(err)
		}
		if err := deindexEntity(ctx, tx, "card", cardID); err != nil {
			return err
		}
		return touchProject(ctx, tx, card.ProjectID, now)
	})
}

func scanCard(row rowScanner) (*Card, error) {
	var (
		c         Card
		labels    string
		startedAt sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Description, &c.Column, &c.Position,
		&labels, &c.Priority, &c.ContextSnapshot, &c.LastSessionID, &c.AssignedAgent,
		&c.AgentStatus, &c.BlockedReason, &c.VerificationStatus,
		&startedAt, &completed, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	if err := json.Unmarshal([]byte(labels), &c.Labels); err != nil {
		return nil, wrapStorage(err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		c.CompletedAt = &t
	}
	return &c, nil
}

func collectCards(rows *sql.Rows) ([]Card, error) {
	defer rows.Close()
	var out []Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, wrapStorage(rows.Err())
}

func emptyIfNil(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}
