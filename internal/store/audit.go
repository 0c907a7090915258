package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InsertAudit appends an audit entry. The log is append-only; there is no
// update or delete path.
func (s *Store) InsertAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	meta, err := json.Marshal(emptyMapIfNil(e.Metadata))
	if err != nil {
		return wrapStorage(err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, metadata, actor, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityType, e.EntityID, e.Action, string(meta), e.Actor, e.Timestamp,
	)
	return mapErr(err)
}

// ListAuditForEntity returns an entity's audit trail, newest first.
func (s *Store) ListAuditForEntity(ctx context.Context, entityID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAudit(ctx,
		`SELECT id, entity_type, entity_id, action, metadata, actor, created_at
		 FROM audit_log WHERE entity_id = ? ORDER BY created_at DESC LIMIT ?`,
		entityID, limit)
}

// ListAuditForProject returns audit entries for a project and its cards,
// newest first.
func (s *Store) ListAuditForProject(ctx context.Context, projectID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAudit(ctx,
		`SELECT id, entity_type, entity_id, action, metadata, actor, created_at
		 FROM audit_log
		 WHERE entity_id = ? OR entity_id IN (SELECT id FROM cards WHERE project_id = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		projectID, projectID, limit)
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e    AuditEntry
			meta string
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &meta,
			&e.Actor, &e.Timestamp); err != nil {
			return nil, mapErr(err)
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, wrapStorage(err)
		}
		out = append(out, e)
	}
	return out, wrapStorage(rows.Err())
}

// InsertTokenUsage appends one run's token spend.
func (s *Store) InsertTokenUsage(ctx context.Context, u *TokenUsage) error {
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO token_usage (id, card_id, project_id, agent, input_tokens, output_tokens,
		    cache_read_tokens, cache_write_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.CardID, u.ProjectID, u.Agent, u.InputTokens, u.OutputTokens,
		u.CacheReadTokens, u.CacheWriteTokens, u.CostUSD, u.CreatedAt,
	)
	return mapErr(err)
}

// SummarizeUsage aggregates a project's token spend over the last N days.
func (s *Store) SummarizeUsage(ctx context.Context, projectID string, days int) (*UsageSummary, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	var sum UsageSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(cache_read_tokens), 0), COALESCE(SUM(cache_write_tokens), 0),
		        COALESCE(SUM(cost_usd), 0), COUNT(*)
		 FROM token_usage WHERE project_id = ? AND created_at >= ?`,
		projectID, since,
	).Scan(&sum.InputTokens, &sum.OutputTokens, &sum.CacheReadTokens,
		&sum.CacheWriteTokens, &sum.CostUSD, &sum.Runs)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sum, nil
}
