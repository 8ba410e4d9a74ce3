package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/makeict/mcp/api"
)

// UpsertClient creates a client or renames an existing one.
func (s *Store) UpsertClient(ctx context.Context, clientID int, name string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO clients (client_id, name) VALUES (?, ?)
ON CONFLICT (client_id) DO UPDATE SET name = excluded.name`, clientID, name)
	return persistErr("upsert client", err)
}

// GetClient returns one client with its plugin associations and option values.
func (s *Store) GetClient(ctx context.Context, clientID int) (api.Client, error) {
	clients, err := s.queryClients(ctx, `WHERE c.client_id = ?`, clientID)
	if err != nil {
		return api.Client{}, err
	}
	if len(clients) == 0 {
		return api.Client{}, notFound("client %d", clientID)
	}
	return clients[0], nil
}

// ListClients returns every client ordered by id.
func (s *Store) ListClients(ctx context.Context) ([]api.Client, error) {
	return s.queryClients(ctx, "")
}

// ClientsUsing returns the clients associated with plugin.
func (s *Store) ClientsUsing(ctx context.Context, plugin string) ([]api.Client, error) {
	return s.queryClients(ctx, `
WHERE c.client_id IN (
	SELECT a.client_id FROM client_plugin_associations a
	JOIN plugins p ON p.plugin_id = a.plugin_id
	WHERE p.name = ?
)`, plugin)
}

func (s *Store) queryClients(ctx context.Context, where string, args ...interface{}) ([]api.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.client_id, c.name, p.name, o.name, o.type, o.ordinal, v.value
FROM clients c
LEFT JOIN client_plugin_associations a ON a.client_id = c.client_id
LEFT JOIN plugins p ON p.plugin_id = a.plugin_id
LEFT JOIN client_plugin_options o ON o.plugin_id = p.plugin_id
LEFT JOIN client_plugin_option_values v
	ON v.client_plugin_option_id = o.client_plugin_option_id AND v.client_id = c.client_id
`+where+`
ORDER BY c.client_id, p.plugin_id, o.ordinal`, args...)
	if err != nil {
		return nil, persistErr("query clients", err)
	}
	defer rows.Close()

	out := []api.Client{}
	for rows.Next() {
		var (
			id                      int
			name                    string
			plugin, optName, optTyp sql.NullString
			ordinal                 sql.NullInt64
			value                   sql.NullString
		)
		if err := rows.Scan(&id, &name, &plugin, &optName, &optTyp, &ordinal, &value); err != nil {
			return nil, persistErr("scan client", err)
		}

		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, api.Client{ID: id, Name: name, Plugins: map[string][]api.Option{}})
		}
		client := &out[len(out)-1]

		if !plugin.Valid {
			continue
		}
		if _, ok := client.Plugins[plugin.String]; !ok {
			client.Plugins[plugin.String] = []api.Option{}
		}
		if !optName.Valid {
			continue
		}
		client.Plugins[plugin.String] = append(client.Plugins[plugin.String], api.Option{
			Name:     optName.String,
			Type:     api.OptionType(optTyp.String),
			Ordinal:  int(ordinal.Int64),
			Value:    value.String,
			HasValue: value.Valid,
		})
	}
	return out, persistErr("query clients", rows.Err())
}

// AssociatePlugin marks a client as using a plugin. Associating twice is a no-op.
func (s *Store) AssociatePlugin(ctx context.Context, clientID int, plugin string) error {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := clientExists(ctx, tx, clientID); err != nil {
			return err
		}
		pid, err := pluginID(ctx, tx, plugin)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO client_plugin_associations (client_id, plugin_id) VALUES (?, ?)`,
			clientID, pid)
		return err
	})
	return persistErr("associate plugin", err)
}

// DisassociatePlugin removes the association and the client's option values for that plugin.
func (s *Store) DisassociatePlugin(ctx context.Context, clientID int, plugin string) error {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		pid, err := pluginID(ctx, tx, plugin)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM client_plugin_associations WHERE client_id = ? AND plugin_id = ?`, clientID, pid)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("client %d is not using plugin %q", clientID, plugin)
		}
		_, err = tx.ExecContext(ctx, `
DELETE FROM client_plugin_option_values
WHERE client_id = ? AND client_plugin_option_id IN (
	SELECT client_plugin_option_id FROM client_plugin_options WHERE plugin_id = ?
)`, clientID, pid)
		return err
	})
	return persistErr("disassociate plugin", err)
}

// SetClientOption replaces a client's value for one of a plugin's client options
// and returns the value it replaced. The client must be using the plugin.
func (s *Store) SetClientOption(ctx context.Context, clientID int, plugin, option, value string) (old string, err error) {
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		pid, err := pluginID(ctx, tx, plugin)
		if err != nil {
			return err
		}

		var associated int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM client_plugin_associations WHERE client_id = ? AND plugin_id = ?`,
			clientID, pid).Scan(&associated)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("client %d is not using plugin %q", clientID, plugin)
		}
		if err != nil {
			return err
		}

		var (
			optionID int64
			typ      api.OptionType
		)
		err = tx.QueryRowContext(ctx,
			`SELECT client_plugin_option_id, type FROM client_plugin_options WHERE plugin_id = ? AND name = ?`,
			pid, option).Scan(&optionID, &typ)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("client option %q of plugin %q", option, plugin)
		}
		if err != nil {
			return err
		}
		if err := typ.Validate(value); err != nil {
			return err
		}

		var prev sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT value FROM client_plugin_option_values WHERE client_id = ? AND client_plugin_option_id = ?`,
			clientID, optionID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		old = prev.String

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM client_plugin_option_values WHERE client_id = ? AND client_plugin_option_id = ?`,
			clientID, optionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO client_plugin_option_values (client_id, client_plugin_option_id, value) VALUES (?, ?, ?)`,
			clientID, optionID, value)
		return err
	})
	if err != nil {
		return "", persistErr(fmt.Sprintf("set client %d option %q", clientID, option), err)
	}
	return old, nil
}

func clientExists(ctx context.Context, tx *sql.Tx, clientID int) error {
	var found int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM clients WHERE client_id = ?`, clientID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("client %d", clientID)
	}
	return err
}
