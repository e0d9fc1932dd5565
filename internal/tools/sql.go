package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/frankawp/data-agent/internal/session"
)

// dataModifyingRe matches statements the privilege gate treats as
// privileged under safe mode.
var dataModifyingRe = regexp.MustCompile(`(?is)^\s*(insert|update|delete|drop|alter|truncate|create|grant|revoke)\b`)

// IsDataModifyingSQL reports whether a query mutates data or schema.
func IsDataModifyingSQL(query string) bool {
	return dataModifyingRe.MatchString(query)
}

func registerSQLTools(r *Registry, deps Deps) {
	r.Register(GroupSQL, &Func{
		ToolName: "execute_sql",
		Desc:     "Execute a SQL statement against the session database and return rows as JSON.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Query string `mapstructure:"query"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Query) == "" {
				return nil, fmt.Errorf("query is required")
			}
			return runQuery(ctx, deps, in.Query, previewRows(deps))
		},
	})

	r.Register(GroupSQL, &Func{
		ToolName: "list_tables",
		Desc:     "List table names in the session database.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			const q = `SELECT table_name FROM information_schema.tables
				WHERE table_schema = 'public' ORDER BY table_name`
			rows, err := runQuery(ctx, deps, q, -1)
			if err != nil {
				return nil, err
			}
			var names []string
			for _, row := range rows {
				if name, ok := row["table_name"].(string); ok {
					names = append(names, name)
				}
			}
			return names, nil
		},
	})

	r.Register(GroupSQL, &Func{
		ToolName: "describe_table",
		Desc:     "Describe the columns of a table.",
		Fn: func(ctx context.Context, args map[string]any) (any, error) {
			var in struct {
				Table string `mapstructure:"table"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if in.Table == "" {
				return nil, fmt.Errorf("table is required")
			}
			conn, err := connect(ctx, deps)
			if err != nil {
				return nil, err
			}
			defer func() { _ = conn.Close(ctx) }()

			const q = `SELECT column_name, data_type, is_nullable
				FROM information_schema.columns
				WHERE table_schema = 'public' AND table_name = $1
				ORDER BY ordinal_position`
			rows, err := conn.Query(ctx, q, in.Table)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			return collectRows(rows, -1)
		},
	})
}

func connect(ctx context.Context, deps Deps) (*pgx.Conn, error) {
	sess := deps.SessionFor()
	if sess == nil {
		return nil, fmt.Errorf("no active session")
	}
	cfg := sess.DBConfig()
	if cfg == nil {
		return nil, fmt.Errorf("no database configured for session %s", sess.ID())
	}
	return pgx.Connect(ctx, cfg.DSN())
}

func runQuery(ctx context.Context, deps Deps, query string, limit int) ([]map[string]any, error) {
	conn, err := connect(ctx, deps)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close(ctx) }()

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows, limit)
}

func collectRows(rows pgx.Rows, limit int) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		if limit >= 0 && len(out) >= limit {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[string(fd.Name)] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeValue coerces driver types into JSON-friendly values.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	default:
		return v
	}
}

func previewRows(deps Deps) int {
	if deps.Modes == nil {
		return -1
	}
	return deps.Modes.Snapshot().PreviewLimit.Rows()
}

// SessionDB is a convenience for frontend handlers that need a raw
// connection for a session.
func SessionDB(ctx context.Context, sess *session.Session) (*pgx.Conn, error) {
	cfg := sess.DBConfig()
	if cfg == nil {
		return nil, fmt.Errorf("no database configured for session %s", sess.ID())
	}
	return pgx.Connect(ctx, cfg.DSN())
}
