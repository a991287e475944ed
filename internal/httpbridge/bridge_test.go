package httpbridge

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/config"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/server"
)

type stubDriver struct{}

func (stubDriver) Open(string) (driver.Conn, error) { return stubConn{}, nil }

type stubConn struct{}

func (stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("stub") }
func (stubConn) Close() error                        { return nil }
func (stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("stub") }

func init() {
	sql.Register("bridgestub", stubDriver{})
}

type fakeConnector struct {
	err  error
	pool *sql.DB
}

func (f *fakeConnector) EnsureConnection(context.Context) (*sql.DB, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pool, nil
}

type fakeReadiness struct{ ready bool }

func (f *fakeReadiness) Ready() bool { return f.ready }

type bridgeFixture struct {
	srv   *httptest.Server
	conn  *fakeConnector
	ready *fakeReadiness
}

func newFixture(t *testing.T, readOnly bool, apiKeys []string) *bridgeFixture {
	t.Helper()
	pool, err := sql.Open("bridgestub", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	cfg := &config.Config{ReadOnly: readOnly, ConnectionTimeout: 5 * time.Second}
	conn := &fakeConnector{pool: pool}
	ready := &fakeReadiness{}
	b := New(server.NewRegistry(cfg, conn, nil), ready, apiKeys, nil)
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return &bridgeFixture{srv: srv, conn: conn, ready: ready}
}

func (f *bridgeFixture) do(t *testing.T, method, path, body string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return res, decoded
}

func TestHealth_publicEvenWithKeys(t *testing.T) {
	f := newFixture(t, false, []string{"k1"})
	res, body := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestReady_latchTransition(t *testing.T) {
	f := newFixture(t, false, nil)

	res, body := f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, "starting", body["status"])

	f.ready.ready = true
	res, body = f.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, true, body["ready"])
}

func TestTools_requiresKey(t *testing.T) {
	f := newFixture(t, false, []string{"k1", "k2"})

	res, body := f.do(t, http.MethodGet, "/tools", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "Unauthorized", body["error"])

	res, _ = f.do(t, http.MethodGet, "/tools", "", map[string]string{"X-API-Key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, body = f.do(t, http.MethodGet, "/tools", "", map[string]string{"Authorization": "Bearer k1"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	first, ok := tools[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ping", first["name"])
}

func TestTools_readOnlyFiltering(t *testing.T) {
	f := newFixture(t, true, nil)
	_, body := f.do(t, http.MethodGet, "/tools", "", nil)
	tools := body["tools"].([]any)
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.(map[string]any)["name"].(string)
	}
	assert.Equal(t, []string{"ping", "list_table", "describe_table", "read_data"}, names)
}

func TestCall_pingWithSecondKey(t *testing.T) {
	f := newFixture(t, false, []string{"k1", "k2"})

	res, body := f.do(t, http.MethodPost, "/call", `{"name":"ping"}`,
		map[string]string{"X-API-Key": "k2"})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pong", result["message"])
}

func TestCall_statusMapping(t *testing.T) {
	f := newFixture(t, true, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown tool", `{"name":"no_such_tool"}`, http.StatusNotFound},
		{"missing name", `{"arguments":{}}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
		{"bad argument", `{"name":"describe_table","arguments":{}}`, http.StatusBadRequest},
		{"read-only violation", `{"name":"drop_table","arguments":{"table":"t"}}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := f.do(t, http.MethodPost, "/call", tt.body, nil)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCall_connectionFailureIs500(t *testing.T) {
	f := newFixture(t, false, nil)
	f.conn.err = errors.New("token acquisition failed")

	res, body := f.do(t, http.MethodPost, "/call", `{"name":"list_table"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, body["error"], "token acquisition failed")
}

func TestCall_bodyTooLarge(t *testing.T) {
	f := newFixture(t, false, nil)

	padding := strings.Repeat("x", maxCallBody+1)
	res, body := f.do(t, http.MethodPost, "/call",
		`{"name":"ping","arguments":{"pad":"`+padding+`"}}`, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
	assert.Equal(t, "request body too large", body["error"])
}

func TestRoutes_methodNotAllowed(t *testing.T) {
	f := newFixture(t, false, nil)
	res, _ := f.do(t, http.MethodPost, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	res, _ = f.do(t, http.MethodGet, "/call", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestCall_argumentValidationBeforeConnection(t *testing.T) {
	f := newFixture(t, false, nil)
	f.conn.err = errors.New("down")

	// ping never touches the database, so it works with a dead connector.
	res, _ := f.do(t, http.MethodPost, "/call", `{"name":"ping"}`, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
