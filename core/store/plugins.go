package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/makeict/mcp/api"
)

// Scope selects which option schema of a plugin an operation targets.
type Scope int

const (
	// ScopePlugin is the plugin's own option schema.
	ScopePlugin Scope = iota
	// ScopeClient is the per-client option schema.
	ScopeClient
)

func (s Scope) table() (table, idColumn string) {
	if s == ScopeClient {
		return "client_plugin_options", "client_plugin_option_id"
	}
	return "plugin_options", "plugin_option_id"
}

// PluginRecord is a persisted plugin row.
type PluginRecord struct {
	ID      int64
	Name    string
	Enabled bool
}

// CreatePlugin inserts a plugin row; the name must be new.
func (s *Store) CreatePlugin(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("%w: plugin name is required", api.ErrInvalidValue)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO plugins (name, enabled) VALUES (?, 0)`, name)
	if err != nil {
		return 0, persistErr("create plugin "+name, err)
	}
	return res.LastInsertId()
}

// GetPlugin returns a plugin row by name.
func (s *Store) GetPlugin(ctx context.Context, name string) (PluginRecord, error) {
	var rec PluginRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT plugin_id, name, enabled FROM plugins WHERE name = ?`, name,
	).Scan(&rec.ID, &rec.Name, &rec.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return PluginRecord{}, notFound("plugin %q", name)
	}
	if err != nil {
		return PluginRecord{}, persistErr("get plugin", err)
	}
	return rec, nil
}

// ListPlugins returns every plugin row in registration order.
func (s *Store) ListPlugins(ctx context.Context) ([]PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plugin_id, name, enabled FROM plugins ORDER BY plugin_id`)
	if err != nil {
		return nil, persistErr("list plugins", err)
	}
	defer rows.Close()

	var out []PluginRecord
	for rows.Next() {
		var rec PluginRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Enabled); err != nil {
			return nil, persistErr("scan plugin", err)
		}
		out = append(out, rec)
	}
	return out, persistErr("list plugins", rows.Err())
}

// SetPluginEnabled persists the enabled flag.
func (s *Store) SetPluginEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plugins SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return persistErr("set plugin enabled", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("plugin %q", name)
	}
	return nil
}

// AddOptions appends option declarations to a plugin schema in one transaction.
// Ordinals continue from the current maximum, starting at 0 for an empty schema.
func (s *Store) AddOptions(ctx context.Context, scope Scope, plugin string, specs []api.OptionSpec) error {
	for _, spec := range specs {
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("%w: option name is required", api.ErrInvalidValue)
		}
		if _, err := api.ParseOptionType(string(spec.Type)); err != nil {
			return err
		}
	}

	table, _ := scope.table()
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		pid, err := pluginID(ctx, tx, plugin)
		if err != nil {
			return err
		}

		var next int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(ordinal) + 1, 0) FROM `+table+` WHERE plugin_id = ?`, pid,
		).Scan(&next); err != nil {
			return err
		}

		for i, spec := range specs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO `+table+` (plugin_id, name, type, ordinal) VALUES (?, ?, ?, ?)`,
				pid, spec.Name, string(spec.Type), next+i,
			); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("option %q of plugin %q: %w", spec.Name, plugin, api.ErrAlreadyExists)
				}
				return err
			}
		}
		return nil
	})
	return persistErr("add options to "+plugin, err)
}

// RemoveOption deletes an option declaration together with its values.
func (s *Store) RemoveOption(ctx context.Context, scope Scope, plugin, option string) error {
	table, _ := scope.table()
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		pid, err := pluginID(ctx, tx, plugin)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE plugin_id = ? AND name = ?`, pid, option)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("option %q of plugin %q", option, plugin)
		}
		return nil
	})
	return persistErr("remove option "+option, err)
}

// OptionSchema returns a plugin's declared options ordered by ordinal, without values.
func (s *Store) OptionSchema(ctx context.Context, scope Scope, plugin string) ([]api.Option, error) {
	table, _ := scope.table()
	rows, err := s.db.QueryContext(ctx, `
SELECT o.name, o.type, o.ordinal
FROM `+table+` o
JOIN plugins p ON p.plugin_id = o.plugin_id
WHERE p.name = ?
ORDER BY o.ordinal`, plugin)
	if err != nil {
		return nil, persistErr("read option schema", err)
	}
	defer rows.Close()

	out := []api.Option{}
	for rows.Next() {
		var opt api.Option
		if err := rows.Scan(&opt.Name, &opt.Type, &opt.Ordinal); err != nil {
			return nil, persistErr("scan option", err)
		}
		out = append(out, opt)
	}
	return out, persistErr("read option schema", rows.Err())
}

// PluginOptions returns a plugin's options with current values, ordered by ordinal.
func (s *Store) PluginOptions(ctx context.Context, plugin string) ([]api.Option, error) {
	if _, err := s.GetPlugin(ctx, plugin); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT o.name, o.type, o.ordinal, v.value
FROM plugin_options o
JOIN plugins p ON p.plugin_id = o.plugin_id
LEFT JOIN plugin_option_values v ON v.plugin_option_id = o.plugin_option_id
WHERE p.name = ?
ORDER BY o.ordinal`, plugin)
	if err != nil {
		return nil, persistErr("read plugin options", err)
	}
	defer rows.Close()

	out := []api.Option{}
	for rows.Next() {
		var (
			opt   api.Option
			value sql.NullString
		)
		if err := rows.Scan(&opt.Name, &opt.Type, &opt.Ordinal, &value); err != nil {
			return nil, persistErr("scan plugin option", err)
		}
		opt.Value, opt.HasValue = value.String, value.Valid
		out = append(out, opt)
	}
	return out, persistErr("read plugin options", rows.Err())
}

// SetPluginOption replaces the value of a plugin option.
// Resolving the option, deleting prior values and inserting the new one
// happen in one transaction.
func (s *Store) SetPluginOption(ctx context.Context, plugin, option, value string) error {
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			optionID int64
			typ      api.OptionType
		)
		err := tx.QueryRowContext(ctx, `
SELECT o.plugin_option_id, o.type
FROM plugin_options o
JOIN plugins p ON p.plugin_id = o.plugin_id
WHERE p.name = ? AND o.name = ?`, plugin, option).Scan(&optionID, &typ)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("option %q of plugin %q", option, plugin)
		}
		if err != nil {
			return err
		}
		if err := typ.Validate(value); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_option_values WHERE plugin_option_id = ?`, optionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO plugin_option_values (plugin_option_id, value) VALUES (?, ?)`, optionID, value)
		return err
	})
	return persistErr(fmt.Sprintf("set option %q of plugin %q", option, plugin), err)
}
