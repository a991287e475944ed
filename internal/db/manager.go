package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/azuread"
	"golang.org/x/sync/singleflight"

	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/auth"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/config"
)

// tokenBuffer is the safety margin applied to token expiry: a cached token
// with less than this much lifetime left is treated as already expired.
const tokenBuffer = 2 * time.Minute

// Manager owns the process-wide connection pool and the cached access token.
// It is the only component allowed to create, replace or close the pool.
// EnsureConnection is safe for concurrent use from both transports; the
// reconnect path is serialized through a single flight so overlapping stale
// observations produce one token acquisition and one pool, not two.
type Manager struct {
	cfg    *config.Config
	tokens auth.TokenProvider
	log    *slog.Logger

	flight singleflight.Group

	mu        sync.Mutex
	pool      *sql.DB
	poolMode  config.AuthMode
	token     auth.AccessToken
	lastToken auth.AccessToken // last acquired, kept for diagnostics even if connect failed

	ready atomic.Bool

	// open is swapped by tests to avoid a real database.
	open func(d Descriptor) (*sql.DB, error)
}

// NewManager returns a manager for the given configuration. tokens may be nil
// when the configured auth mode is service-principal-secret and fallback is
// irrelevant; it must be set for access-token mode.
func NewManager(cfg *config.Config, tokens auth.TokenProvider, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{cfg: cfg, tokens: tokens, log: log}
	m.open = openPool
	return m
}

// Ready reports whether at least one connection has ever succeeded. The flag
// latches true on the first success and is never reset, even if a later
// reconnect attempt fails.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// EnsureConnection returns a live pool, reconnecting first if the pool is
// missing or its token is within the expiry buffer. The fast path performs no
// I/O. Callers waiting on an in-flight reconnect are released on ctx
// cancellation, but the shared reconnect itself runs to completion under the
// configured connection timeout.
func (m *Manager) EnsureConnection(ctx context.Context) (*sql.DB, error) {
	if pool := m.live(time.Now()); pool != nil {
		return pool, nil
	}
	ch := m.flight.DoChan("reconnect", func() (any, error) {
		return m.reconnect()
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	}
}

// live returns the pool when it can be reused without I/O: it exists and, for
// a token-authenticated pool, the cached token is fresh beyond the buffer.
// A pool opened via service principal has no expiring credential to check.
func (m *Manager) live(now time.Time) *sql.DB {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool == nil {
		return nil
	}
	if m.poolMode == config.AuthAccessToken && !m.token.Valid(now, tokenBuffer) {
		return nil
	}
	return m.pool
}

// reconnect performs the slow path: token acquisition, descriptor build, pool
// replacement, and the one-hop fallback to service-principal auth. Runs
// inside the single flight; at most one execution at a time.
func (m *Manager) reconnect() (*sql.DB, error) {
	// A previous flight may have finished between the caller's fast-path
	// check and this one starting.
	if pool := m.live(time.Now()); pool != nil {
		return pool, nil
	}

	mode := m.cfg.AuthMode
	pool, tok, primaryErr := m.connect(mode)
	if primaryErr == nil {
		m.install(pool, mode, tok)
		return pool, nil
	}
	m.logConnectFailure(mode, primaryErr)

	// One fallback hop, and only from access-token to secret mode. When
	// secret mode is already primary there is nothing further to try.
	if mode == config.AuthAccessToken && !m.cfg.DisableFallback && m.cfg.HasServicePrincipal() {
		fpool, _, ferr := m.connect(config.AuthServicePrincipal)
		if ferr == nil {
			m.log.Warn("primary authentication failed; connected via service-principal fallback")
			m.install(fpool, config.AuthServicePrincipal, auth.AccessToken{})
			return fpool, nil
		}
		m.logConnectFailure(config.AuthServicePrincipal, ferr)
	}

	// The fallback error, if any, is logged above; the caller sees the
	// primary failure.
	return nil, primaryErr
}

// connect runs one full attempt in the given mode: token (access-token mode
// only), descriptor, open, ping.
func (m *Manager) connect(mode config.AuthMode) (*sql.DB, auth.AccessToken, error) {
	var tok auth.AccessToken
	if mode == config.AuthAccessToken {
		if m.tokens == nil {
			return nil, tok, fmt.Errorf("access-token mode requires a token provider")
		}
		tctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectionTimeout)
		defer cancel()
		var err error
		tok, err = m.tokens.GetToken(tctx)
		if err != nil {
			return nil, auth.AccessToken{}, fmt.Errorf("acquire access token: %w", err)
		}
		m.mu.Lock()
		m.lastToken = tok
		m.mu.Unlock()
	}
	desc, err := Build(m.cfg, mode, tok)
	if err != nil {
		return nil, auth.AccessToken{}, err
	}
	pool, err := m.open(desc)
	if err != nil {
		return nil, auth.AccessToken{}, fmt.Errorf("connect (%s): %w", mode, err)
	}
	return pool, tok, nil
}

// install makes pool the current one, closing the previous pool first, and
// latches readiness.
func (m *Manager) install(pool *sql.DB, mode config.AuthMode, tok auth.AccessToken) {
	m.mu.Lock()
	if m.pool != nil && m.pool != pool {
		_ = m.pool.Close()
	}
	m.pool = pool
	m.poolMode = mode
	m.token = tok
	m.mu.Unlock()
	m.ready.Store(true)
	m.log.Info("database connection established",
		"server", m.cfg.Server, "database", m.cfg.Database, "mode", string(mode))
}

// logConnectFailure records a failed attempt with whatever structured driver
// diagnostics the error carries (error number, severity class, state, line).
func (m *Manager) logConnectFailure(mode config.AuthMode, err error) {
	attrs := []any{"mode", string(mode), "error", err.Error()}
	if sqlErr, ok := sqlServerError(err); ok {
		attrs = append(attrs,
			"number", sqlErr.Number,
			"class", sqlErr.Class,
			"state", sqlErr.State,
			"line", sqlErr.LineNo,
			"server", sqlErr.ServerName,
		)
	}
	m.log.Error("connection attempt failed", attrs...)
}

// Close releases the pool. Call once at shutdown; safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool == nil {
		return nil
	}
	err := m.pool.Close()
	m.pool = nil
	return err
}

// openPool opens and pings a pool described by d. Access-token mode hands the
// token to the driver through a connector; secret mode lets the azuread
// driver run its own federated token exchange.
func openPool(d Descriptor) (*sql.DB, error) {
	var pool *sql.DB
	switch d.Mode {
	case config.AuthAccessToken:
		token := d.Token
		connector, err := mssql.NewAccessTokenConnector(d.DSN(), func() (string, error) {
			return token, nil
		})
		if err != nil {
			return nil, fmt.Errorf("sqlserver connector: %w", err)
		}
		pool = sql.OpenDB(connector)
	case config.AuthServicePrincipal:
		var err error
		pool, err = sql.Open(azuread.DriverName, d.DSN())
		if err != nil {
			return nil, fmt.Errorf("sqlserver open: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown auth mode %q", d.Mode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlserver ping: %w", err)
	}
	return pool, nil
}
