package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/config"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/db"
)

// toolFailure is the structured payload for a SQL-level failure. The protocol
// never turns a bad query into a process error; the caller gets success=false.
type toolFailure struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func failure(err error) toolFailure {
	return toolFailure{Success: false, Message: err.Error()}
}

// PingOutput is the structured result of the ping tool.
type PingOutput struct {
	Message string `json:"message"`
}

// ListTablesOutput is the result of list_table.
type ListTablesOutput struct {
	Success bool           `json:"success"`
	Tables  []db.TableInfo `json:"tables"`
}

// DescribeTableOutput is the result of describe_table.
type DescribeTableOutput struct {
	Success bool            `json:"success"`
	Columns []db.ColumnInfo `json:"columns"`
}

// ReadDataOutput is the result of read_data.
type ReadDataOutput struct {
	Success  bool             `json:"success"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// InsertDataOutput is the result of insert_data.
type InsertDataOutput struct {
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Inserted map[string]any `json:"inserted,omitempty"`
}

// UpdateDataOutput is the result of update_data.
type UpdateDataOutput struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	RowsAffected int64  `json:"rows_affected"`
}

// ExecOutput is the result of create_table, create_index and drop_table.
type ExecOutput struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// catalog builds the fixed tool set. Registration order here is the order
// clients see from list_tools.
func catalog(cfg *config.Config) []*Tool {
	timeout := cfg.ConnectionTimeout
	return []*Tool{
		{
			Def: mcp.NewTool("ping",
				mcp.WithDescription("Simple health check. Returns pong."),
			),
			NoDB: true,
			Run: func(ctx context.Context, _ *sql.DB, _ map[string]any) (any, error) {
				return PingOutput{Message: "pong"}, nil
			},
		},
		{
			Def: mcp.NewTool("list_table",
				mcp.WithDescription("List user tables, optionally filtered by schema."),
				mcp.WithString("schema", mcp.Description("Schema name filter (e.g. dbo). Lists all schemas when omitted.")),
			),
			Run: func(ctx context.Context, pool *sql.DB, args map[string]any) (any, error) {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				tables, err := db.ListTables(ctx, pool, optString(args, "schema"))
				if err != nil {
					return failure(err), nil
				}
				return ListTablesOutput{Success: true, Tables: tables}, nil
			},
		},
		{
			Def: mcp.NewTool("describe_table",
				mcp.WithDescription("Describe columns of a table (name, type, nullable, primary key)."),
				mcp.WithString("table", mcp.Required(), mcp.Description("Table name.")),
				mcp.WithString("schema", mcp.Description("Schema name. Defaults to dbo.")),
			),
			Run: func(ctx context.Context, pool *sql.DB, args map[string]any) (any, error) {
				table, err := requireString(args, "table")
				if err != nil {
					return nil, err
				}
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				cols, qerr := db.DescribeTable(ctx, pool, optString(args, "schema"), table)
				if qerr != nil {
					return failure(qerr), nil
				}
				return DescribeTableOutput{Success: true, Columns: cols}, nil
			},
		},
		{
			Def: mcp.NewTool("read_data",
				mcp.WithDescription("Run a read-only SQL query (SELECT only). Rejects INSERT/UPDATE/DELETE/DDL. Params are positional ($1 or @p1)."),
				mcp.WithString("query", mcp.Required(), mcp.Description("SELECT statement to execute.")),
				mcp.WithArray("params", mcp.Description("Positional query parameters.")),
			),
			Run: func(ctx context.Context, pool *sql.DB, args map[string]any) (any, error) {
				query, err := requireString(args, "query")
				if err != nil {
					return nil, err
				}
				if verr := ValidateReadOnlySQL(query); verr != nil {
					return nil, argErrorf("query: %v", verr)
				}
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				rows, qerr := db.Query(ctx, pool, query, optArray(args, "params"))
				if qerr != nil {
					return failure(qerr), nil
				}
				return ReadDataOutput{Success: true, Rows: rows, RowCount: len(rows)}, nil
			},
		},
		{
			Def: mcp.NewTool("insert_data",
				mcp.WithDescription("Insert a single row. Returns the inserted row including generated identity and default values."),
				mcp.WithString("table", mcp.Required(), mcp.Description("Table name.")),
				mcp.WithString("schema", mcp.Description("Schema name. Defaults to dbo.")),
				mcp.WithObject("data", mcp.Required(), mcp.Description("Column name to value pairs.")),
			),
			Mutating: true,
			Run: func(ctx context.Context, pool *sql.DB, args map[string]any) (any, error) {
				table, err := requireString(args, "table")
				if err != nil {
					return nil, err
				}
				data, err := requireObject(args, "data")
				if err != nil {
					return nil, err
				}
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				inserted, qerr := db.InsertRow(ctx, pool, optString(args, "schema"), table, data)
				if qerr != nil {
					return failure(qerr), nil
				}
				return InsertDataOutput{Success: true, Message: "row inserted", Inserted: inserted}, nil
			},
		},
		{
			Def: mcp.NewTool("update_data",
				mcp.WithDescription("Update a single row identified by its primary key. The key must match the table's actual primary key columns exactly."),
				mcp.WithString("table", mcp.Required(), mcp.Description("Table name.")),
				mcp.WithString("schema", mcp.Description("Schema name. Defaults to dbo.")),
				mcp.WithObject("key", mcp.Required(), mcp.Description("Primary key column to value pairs (WHERE).")),
				mcp.WithObject("set", mcp.Required(), mcp.Description("Column to value pairs to update (SET).")),
			),
			Mutating: true,
			Run: func(ctx context.Context, pool *sql.DB, args map[string]any) (any, error) {
				table, err := requireString(args, "table")
				if err != nil {
					return nil, err
				}
				key, err := requireObject(args, "key")
				if err != nil {
					return nil, err
				}
				set, err := requireObject(args, "set")
				if err != nil {
					return nil, err
				}
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				n, qerr := db.UpdateRow(ctx, pool, optString(args, "schema"), table, key, set)
				if qerr != nil {
					return failure(qerr), nil
				}
				return UpdateDataOutput{
					Success:      true,
					Message:      fmt.Sprintf("%d row(s) updated", n),
					RowsAffected: n,
				}, nil
			},
		},
		{
			Def: mcp.NewTool("create_table",
				mcp.WithDescription("Execute a CREATE TABLE statement."),
				mcp.WithString("sql", mcp.Required(), mcp.Description("Full CREATE TABLE statement.")),
			),
			Mutating: true,
			Run:      ddlTool(timeout, "table created", [][]string{{"CREATE", "TABLE"}}),
		},
		{
			Def: mcp.NewTool("create_index",
				mcp.WithDescription("Execute a CREATE INDEX statement."),
				mcp.WithString("sql", mcp.Required(), mcp.Description("Full CREATE INDEX or CREATE UNIQUE INDEX statement.")),
			),
			Mutating: true,
			Run: ddlTool(timeout, "index created", [][]string{
				{"CREATE", "INDEX"},
				{"CREATE", "UNIQUE", "INDEX"},
				{"CREATE", "CLUSTERED", "INDEX"},
				{"CREATE", "NONCLUSTERED", "INDEX"},
			}),
		},
		{
			Def: mcp.NewTool("drop_table",
				mcp.WithDescription("Drop a table."),
				mcp.WithString("table", mcp.Required(), mcp.Description("Table name.")),
				mcp.WithString("schema", mcp.Description("Schema name. Defaults to dbo.")),
			),
			Mutating: true,
			Run: func(ctx context.Context, pool *sql.DB, args map[string]any) (any, error) {
				table, err := requireString(args, "table")
				if err != nil {
					return nil, err
				}
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if qerr := db.DropTable(ctx, pool, optString(args, "schema"), table); qerr != nil {
					return failure(qerr), nil
				}
				return ExecOutput{Success: true, Message: fmt.Sprintf("table %s dropped", table)}, nil
			},
		},
	}
}

// ddlTool builds a handler for raw DDL tools that accept one "sql" argument
// pinned to an allowed statement prefix.
func ddlTool(timeout time.Duration, okMsg string, prefixes [][]string) ToolFunc {
	return func(ctx context.Context, pool *sql.DB, args map[string]any) (any, error) {
		stmt, err := requireString(args, "sql")
		if err != nil {
			return nil, err
		}
		allowed := false
		for _, p := range prefixes {
			if statementPrefix(stmt, p...) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, argErrorf("sql must be a %s statement", joinPrefix(prefixes[0]))
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, qerr := db.Exec(ctx, pool, stmt); qerr != nil {
			return failure(qerr), nil
		}
		return ExecOutput{Success: true, Message: okMsg}, nil
	}
}

func joinPrefix(p []string) string {
	out := ""
	for i, kw := range p {
		if i > 0 {
			out += " "
		}
		out += kw
	}
	return out
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", argErrorf("%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", argErrorf("%s must be a non-empty string", key)
	}
	return s, nil
}

func optString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func requireObject(args map[string]any, key string) (map[string]any, error) {
	v, ok := args[key]
	if !ok {
		return nil, argErrorf("%s is required", key)
	}
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, argErrorf("%s must be a non-empty object", key)
	}
	return m, nil
}

func optArray(args map[string]any, key string) []any {
	a, _ := args[key].([]any)
	return a
}
