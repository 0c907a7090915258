package store

import (
	"context"
	"database/sql"
	"strings"
)

// SearchFullText queries the unified FTS5 index across cards, documents, and
// decisions. Matches come back ranked with a highlighted snippet.
func (s *Store) SearchFullText(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, entity_id, title, snippet(search_index, 3, '[', ']', '…', 12)
		 FROM search_index WHERE search_index MATCH ?
		 ORDER BY rank LIMIT ?`,
		ftsQuote(query), limit)
	if err != nil {
		return nil, wrapStorage(err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.EntityType, &h.EntityID, &h.Title, &h.Snippet); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, h)
	}
	return out, wrapStorage(rows.Err())
}

// ftsQuote turns free text into an FTS5 phrase-per-word query so user input
// containing operators ("AND", quotes) cannot break the parser.
func ftsQuote(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		words[i] = `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
	}
	return strings.Join(words, " ")
}

// indexEntity upserts one row of the unified search index. Runs inside the
// caller's transaction so index and source row stay consistent.
func indexEntity(ctx context.Context, tx *sql.Tx, entityType, entityID, title, content string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM search_index WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID); err != nil {
		return mapErr(err)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO search_index (entity_type, entity_id, title, content) VALUES (?, ?, ?, ?)`,
		entityType, entityID, title, content)
	return mapErr(err)
}

func deindexEntity(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM search_index WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)
	return mapErr(err)
}
