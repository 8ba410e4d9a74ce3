package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/makeict/mcp/api"
)

// AppendAudit records one access log entry.
func (s *Store) AppendAudit(ctx context.Context, entry api.AuditEntry) error {
	if entry.Type == "" {
		return fmt.Errorf("%w: audit type is required", api.ErrInvalidValue)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var clientID, userID sql.NullInt64
	if entry.ClientID != 0 {
		clientID = sql.NullInt64{Int64: int64(entry.ClientID), Valid: true}
	}
	if entry.UserID != 0 {
		userID = sql.NullInt64{Int64: entry.UserID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log (created_at, type, client_id, client_name, credential, user_id, message)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().UnixMilli(), entry.Type, clientID, entry.ClientName,
		entry.Credential, userID, entry.Message)
	return persistErr("append audit", err)
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]api.AuditEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be greater than zero", api.ErrInvalidValue)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT log_id, created_at, type, COALESCE(client_id, 0), client_name, credential, COALESCE(user_id, 0), message
FROM audit_log
ORDER BY created_at DESC, log_id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, persistErr("list audit", err)
	}
	defer rows.Close()

	out := make([]api.AuditEntry, 0, limit)
	for rows.Next() {
		var (
			e       api.AuditEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &created, &e.Type, &e.ClientID, &e.ClientName, &e.Credential, &e.UserID, &e.Message); err != nil {
			return nil, persistErr("scan audit", err)
		}
		e.Timestamp = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, persistErr("list audit", rows.Err())
}
