package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CreateConversation opens a conversation. Any previously active conversation
// for the same project is archived first: at most one active per project.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.Status == "" {
		c.Status = ConversationActive
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if c.Status == ConversationActive && c.ProjectID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET status = ? WHERE project_id = ? AND status = ?`,
				ConversationArchived, c.ProjectID, ConversationActive); err != nil {
				return mapErr(err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, project_id, status, summary, session_id, message_count, first_message_at, last_message_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, nullIfEmpty(c.ProjectID), c.Status, c.Summary, c.SessionID,
			c.MessageCount, c.FirstMessageAt, c.LastMessageAt,
		)
		return mapErr(err)
	})
}

// GetActiveConversation returns the single active conversation for a project,
// or ErrNotFound.
func (s *Store) GetActiveConversation(ctx context.Context, projectID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, status, summary, session_id, message_count, first_message_at, last_message_at
		 FROM conversations WHERE project_id = ? AND status = ?`,
		projectID, ConversationActive)
	return scanConversation(row)
}

// ArchiveConversation closes a conversation and stores its summary.
func (s *Store) ArchiveConversation(ctx context.Context, id, summary string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, summary = ? WHERE id = ?`,
		ConversationArchived, summary, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

// InsertMessage encrypts and appends a message, maintaining the parent
// conversation's counters and timestamps.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	ciphertext, err := s.cipher.Encrypt([]byte(m.Content))
	if err != nil {
		return wrapStorage(err)
	}
	meta, err := json.Marshal(emptyMapIfNil(m.Metadata))
	if err != nil {
		return wrapStorage(err)
	}

	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, project_id, conversation_id, role, content, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, nullIfEmpty(m.ProjectID), m.ConversationID, m.Role, ciphertext, string(meta), m.Timestamp,
		); err != nil {
			return mapErr(err)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE conversations SET message_count = message_count + 1,
			    first_message_at = COALESCE(first_message_at, ?),
			    last_message_at = ?
			 WHERE id = ?`,
			m.Timestamp, m.Timestamp, m.ConversationID)
		return mapErr(err)
	})
}

// ListMessages returns a conversation's messages in order, decrypted.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, conversation_id, role, content, metadata, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m          Message
			projectID  sql.NullString
			ciphertext []byte
			meta       string
		)
		if err := rows.Scan(&m.ID, &projectID, &m.ConversationID, &m.Role,
			&ciphertext, &meta, &m.Timestamp); err != nil {
			return nil, mapErr(err)
		}
		m.ProjectID = projectID.String
		plaintext, err := s.cipher.Decrypt(ciphertext)
		if err != nil {
			return nil, wrapStorage(err)
		}
		m.Content = string(plaintext)
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, wrapStorage(err)
		}
		out = append(out, m)
	}
	return out, wrapStorage(rows.Err())
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c         Conversation
		projectID sql.NullString
		first     sql.NullTime
		last      sql.NullTime
	)
	err := row.Scan(&c.ID, &projectID, &c.Status, &c.Summary, &c.SessionID,
		&c.MessageCount, &first, &last)
	if err != nil {
		return nil, mapErr(err)
	}
	c.ProjectID = projectID.String
	if first.Valid {
		t := first.Time
		c.FirstMessageAt = &t
	}
	if last.Valid {
		t := last.Time
		c.LastMessageAt = &t
	}
	return &c, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func emptyMapIfNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
