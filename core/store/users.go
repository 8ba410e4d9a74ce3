package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/makeict/mcp/api"
)

// User statuses
const (
	UserActive   = "active"
	UserInactive = "inactive"
)

// User is a member of the user directory.
type User struct {
	ID         int64     `json:"id"`
	Email      string    `json:"email"`
	FirstName  string    `json:"firstName"`
	LastName   string    `json:"lastName"`
	Credential string    `json:"credential,omitempty"`
	Status     string    `json:"status"`
	JoinedAt   time.Time `json:"joinedAt"`
	Tags       []string  `json:"tags"`
}

// AddUser inserts a user and returns its id.
func (s *Store) AddUser(ctx context.Context, u User) (int64, error) {
	u.Email = strings.TrimSpace(strings.ToLower(u.Email))
	if u.Email == "" {
		return 0, fmt.Errorf("%w: email is required", api.ErrInvalidValue)
	}
	if u.Status == "" {
		u.Status = UserActive
	}
	if u.JoinedAt.IsZero() {
		u.JoinedAt = time.Now().UTC()
	}

	var credential sql.NullString
	if c := strings.TrimSpace(u.Credential); c != "" {
		credential = sql.NullString{String: strings.ToLower(c), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO users (email, first_name, last_name, credential, status, joined_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		u.Email, u.FirstName, u.LastName, credential, u.Status, u.JoinedAt.UnixMilli())
	if err != nil {
		return 0, persistErr("add user", err)
	}
	return res.LastInsertId()
}

// ListUsers returns users whose name or email contains query, ordered by name.
func (s *Store) ListUsers(ctx context.Context, query string) ([]User, error) {
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT u.user_id, u.email, u.first_name, u.last_name, COALESCE(u.credential, ''), u.status, u.joined_at,
	COALESCE((
		SELECT GROUP_CONCAT(t.name, ',') FROM user_authorization_tags ut
		JOIN authorization_tags t ON t.tag_id = ut.tag_id
		WHERE ut.user_id = u.user_id
	), '')
FROM users u
WHERE lower(u.first_name || ' ' || u.last_name) LIKE ? OR u.email LIKE ?
ORDER BY u.last_name, u.first_name, u.user_id`, like, like)
	if err != nil {
		return nil, persistErr("list users", err)
	}
	defer rows.Close()

	out := []User{}
	for rows.Next() {
		var (
			u      User
			joined int64
			tags   string
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Credential, &u.Status, &joined, &tags); err != nil {
			return nil, persistErr("scan user", err)
		}
		u.JoinedAt = time.UnixMilli(joined).UTC()
		u.Tags = []string{}
		if tags != "" {
			u.Tags = strings.Split(tags, ",")
		}
		out = append(out, u)
	}
	return out, persistErr("list users", rows.Err())
}

// SetUserCredential assigns a credential to a user. An empty credential clears it.
func (s *Store) SetUserCredential(ctx context.Context, userID int64, credential string) error {
	var value sql.NullString
	if c := strings.TrimSpace(credential); c != "" {
		value = sql.NullString{String: strings.ToLower(c), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET credential = ? WHERE user_id = ?`, value, userID)
	if err != nil {
		return persistErr("set credential", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("user %d", userID)
	}
	return nil
}

// SetUserStatus activates or deactivates a user.
func (s *Store) SetUserStatus(ctx context.Context, userID int64, status string) error {
	if status != UserActive && status != UserInactive {
		return fmt.Errorf("%w: unknown user status %q", api.ErrInvalidValue, status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET status = ? WHERE user_id = ?`, status, userID)
	if err != nil {
		return persistErr("set user status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("user %d", userID)
	}
	return nil
}

// GrantTag gives a user an authorization tag. The tag must be indexed.
func (s *Store) GrantTag(ctx context.Context, userID int64, tag string) error {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var tagID int64
		err := tx.QueryRowContext(ctx, `SELECT tag_id FROM authorization_tags WHERE name = ?`, tag).Scan(&tagID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("tag %q", tag)
		}
		if err != nil {
			return err
		}

		var found int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE user_id = ?`, userID).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("user %d", userID)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_authorization_tags (user_id, tag_id) VALUES (?, ?)`, userID, tagID)
		return err
	})
	return persistErr("grant tag", err)
}

// RevokeTag removes an authorization tag from a user.
func (s *Store) RevokeTag(ctx context.Context, userID int64, tag string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM user_authorization_tags
WHERE user_id = ? AND tag_id = (SELECT tag_id FROM authorization_tags WHERE name = ?)`, userID, tag)
	return persistErr("revoke tag", err)
}

// CredentialHasTag reports whether an active user holding credential has been granted tag.
// It also returns the user id when the credential is known.
func (s *Store) CredentialHasTag(ctx context.Context, credential, tag string) (int64, bool, error) {
	credential = strings.ToLower(strings.TrimSpace(credential))
	if credential == "" || tag == "" {
		return 0, false, nil
	}

	var (
		userID  int64
		granted bool
	)
	err := s.db.QueryRowContext(ctx, `
SELECT u.user_id, EXISTS (
	SELECT 1 FROM user_authorization_tags ut
	JOIN authorization_tags t ON t.tag_id = ut.tag_id
	WHERE ut.user_id = u.user_id AND t.name = ?
)
FROM users u
WHERE u.credential = ? AND u.status = ?`, tag, credential, UserActive).Scan(&userID, &granted)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, persistErr("check credential", err)
	}
	return userID, granted, nil
}
