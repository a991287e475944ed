// Package httpbridge exposes the tool registry over HTTP/JSON for callers
// that do not speak MCP. Health and readiness probes are public; tool routes
// are protected by API keys when any are configured.
package httpbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/server"
)

// maxCallBody caps POST /call bodies. Requests above the ceiling are cut off,
// not buffered.
const maxCallBody = 1 << 20 // 1 MiB

// ReadinessSource reports whether the server has connected at least once.
// Satisfied by *db.Manager.
type ReadinessSource interface {
	Ready() bool
}

// Bridge is the HTTP front end over a shared Registry.
type Bridge struct {
	reg   *server.Registry
	ready ReadinessSource
	keys  map[string]struct{}
	log   *slog.Logger
}

// New builds a bridge. An empty key list disables authentication entirely.
// Multiple keys are all accepted, which allows rotation (old and new valid
// at the same time).
func New(reg *server.Registry, ready ReadinessSource, apiKeys []string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	keys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = struct{}{}
	}
	return &Bridge{reg: reg, ready: ready, keys: keys, log: log}
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for _, mw := range mws {
		h = mw(h)
	}
	return h
}

// Handler returns the routed handler with logging, panic recovery and, on
// tool routes, API-key auth.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", b.handleHealth)
	mux.HandleFunc("GET /ready", b.handleReady)
	mux.Handle("GET /tools", b.requireKey(http.HandlerFunc(b.handleTools)))
	mux.Handle("POST /call", b.requireKey(http.HandlerFunc(b.handleCall)))
	return chain(mux, b.recoverPanic, b.logRequest)
}

func (b *Bridge) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.log.Debug("http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (b *Bridge) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				b.log.Error("http handler panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireKey accepts "Authorization: Bearer <key>" or "X-API-Key: <key>".
// With no keys configured, auth is disabled.
func (b *Bridge) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(b.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			bearer := r.Header.Get("Authorization")
			key = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
		}
		if _, ok := b.keys[key]; key == "" || !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (b *Bridge) handleReady(w http.ResponseWriter, _ *http.Request) {
	if b.ready.Ready() {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true, "status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "status": "starting"})
}

func (b *Bridge) handleTools(w http.ResponseWriter, _ *http.Request) {
	type toolName struct {
		Name string `json:"name"`
	}
	tools := b.reg.Tools()
	names := make([]toolName, len(tools))
	for i, t := range tools {
		names[i] = toolName{Name: t.Def.Name}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": names})
}

type callRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (b *Bridge) handleCall(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallBody)
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	result, err := b.reg.Call(r.Context(), req.Name, req.Arguments)
	if err != nil {
		status := http.StatusInternalServerError
		var unknown *server.UnknownToolError
		var badArg *server.ArgumentError
		switch {
		case errors.As(err, &unknown):
			status = http.StatusNotFound
		case errors.As(err, &badArg):
			status = http.StatusBadRequest
		case errors.Is(err, server.ErrForbidden):
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
