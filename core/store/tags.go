package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Tag is an entry of the authorization tag index.
type Tag struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Plugin      string `json:"plugin,omitempty"`
}

// RegisterTag adds a tag to the index. Registering an existing tag is a no-op.
func (s *Store) RegisterTag(ctx context.Context, name, plugin string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO authorization_tags (name, plugin_id)
VALUES (?, (SELECT plugin_id FROM plugins WHERE name = ?))`, name, plugin)
	return persistErr("register tag", err)
}

// DeleteTag removes a tag from the index. Deleting an unknown tag is a no-op.
func (s *Store) DeleteTag(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM authorization_tags WHERE name = ?`, name)
	return persistErr("delete tag", err)
}

// HasTag reports whether a tag is in the index.
func (s *Store) HasTag(ctx context.Context, name string) (bool, error) {
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM authorization_tags WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistErr("lookup tag", err)
	}
	return true, nil
}

// ListTags returns the tag index ordered by name.
func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT t.name, t.description, COALESCE(p.name, '')
FROM authorization_tags t
LEFT JOIN plugins p ON p.plugin_id = t.plugin_id
ORDER BY t.name`)
	if err != nil {
		return nil, persistErr("list tags", err)
	}
	defer rows.Close()

	out := []Tag{}
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.Name, &t.Description, &t.Plugin); err != nil {
			return nil, persistErr("scan tag", err)
		}
		out = append(out, t)
	}
	return out, persistErr("list tags", rows.Err())
}
