// Package server builds the tool registry and the MCP server over it. Both
// transports (MCP stdio and the HTTP bridge) dispatch through Registry.Call,
// which guarantees a live connection before any tool body runs.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/config"
)

const (
	ServerName    = "mssql-mcp"
	ServerVersion = "1.0.0"
)

// Connector yields the shared pool, reconnecting as needed. Satisfied by
// *db.Manager; faked in tests.
type Connector interface {
	EnsureConnection(ctx context.Context) (*sql.DB, error)
}

// ToolFunc is one tool body. SQL-level failures are reported inside the
// returned payload (success=false), not as an error; the error return is for
// argument validation only.
type ToolFunc func(ctx context.Context, pool *sql.DB, args map[string]any) (any, error)

// Tool is one catalog entry. Identity is fixed for the process lifetime.
type Tool struct {
	Def      mcp.Tool
	Mutating bool
	NoDB     bool // runs without touching the database (ping)
	Run      ToolFunc
}

// Registry is the ordered, read-only tool catalog plus the dispatch policy
// around it.
type Registry struct {
	tools    []*Tool
	byName   map[string]*Tool
	conn     Connector
	readOnly bool
	log      *slog.Logger
}

// NewRegistry builds the full catalog once. In read-only mode mutating tools
// are hidden from listings and rejected on call.
func NewRegistry(cfg *config.Config, conn Connector, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Registry{
		byName:   make(map[string]*Tool),
		conn:     conn,
		readOnly: cfg.ReadOnly,
		log:      log,
	}
	for _, t := range catalog(cfg) {
		r.register(t)
	}
	return r
}

func (r *Registry) register(t *Tool) {
	if _, dup := r.byName[t.Def.Name]; dup {
		panic("duplicate tool name: " + t.Def.Name)
	}
	r.tools = append(r.tools, t)
	r.byName[t.Def.Name] = t
}

// Tools returns the visible catalog in registration order. Mutating tools
// are omitted in read-only mode.
func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if r.readOnly && t.Mutating {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Call dispatches one tool invocation. Order matters: unknown names and
// read-only violations are rejected before any connection work, and a
// connection failure surfaces as ConnectError without running the tool body.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if r.readOnly && t.Mutating {
		return nil, ErrForbidden
	}

	var pool *sql.DB
	if !t.NoDB {
		var err error
		pool, err = r.conn.EnsureConnection(ctx)
		if err != nil {
			r.log.Error("tool call aborted: no connection", "tool", name, "error", err.Error())
			return nil, &ConnectError{Cause: err}
		}
	}

	out, err := t.Run(ctx, pool, args)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NewMCP returns an MCP server with the visible catalog registered.
func NewMCP(r *Registry) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(ServerName, ServerVersion,
		mcpserver.WithToolCapabilities(false),
	)
	for _, t := range r.Tools() {
		s.AddTool(t.Def, r.mcpHandler(t.Def.Name))
	}
	return s
}

// mcpHandler adapts Registry.Call to the stdio transport: payloads become
// JSON text content, dispatch errors become error-flagged envelopes with a
// human-readable message.
func (r *Registry) mcpHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := r.Call(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcp.NewToolResultError("serialize result: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}
