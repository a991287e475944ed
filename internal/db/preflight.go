package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	mssql "github.com/microsoft/go-mssqldb"
)

// sqlServerError extracts the driver's structured error, if err carries one.
func sqlServerError(err error) (mssql.Error, bool) {
	var sqlErr mssql.Error
	ok := errors.As(err, &sqlErr)
	return sqlErr, ok
}

// PreFlight forces an early connection plus a trivial validation query. Used
// at startup to fail fast in automated deployments: the caller is expected to
// exit non-zero on error unless configured to continue.
func (m *Manager) PreFlight(ctx context.Context) error {
	pool, err := m.EnsureConnection(ctx)
	if err != nil {
		m.logPrincipalHints()
		return fmt.Errorf("pre-flight connection: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancel()
	var one int
	if err := pool.QueryRowContext(tctx, "SELECT 1").Scan(&one); err != nil {
		m.logPrincipalHints()
		return fmt.Errorf("pre-flight validation query: %w", err)
	}

	m.log.Info("pre-flight check passed", "database", m.cfg.Database)
	return nil
}

// logPrincipalHints inspects the last acquired token (without verifying it)
// and logs the identity claims. The most common pre-flight failure is a valid
// token for a principal that has no contained database user, which the server
// reports only as a login failure.
func (m *Manager) logPrincipalHints() {
	m.mu.Lock()
	tok := m.lastToken
	m.mu.Unlock()
	if tok.Token == "" {
		return
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.Token, claims); err != nil {
		m.log.Debug("pre-flight: could not decode token claims", "error", err.Error())
		return
	}
	m.log.Error("pre-flight failed with an issued token; the database may not know this principal",
		"oid", claims["oid"],
		"appid", claims["appid"],
		"upn", claims["upn"],
		"expires", tok.ExpiresOn,
	)
	m.log.Error("hint: create a contained user for the principal and grant access, e.g. " +
		"CREATE USER [<app-display-name>] FROM EXTERNAL PROVIDER; " +
		"ALTER ROLE db_datareader ADD MEMBER [<app-display-name>]")
}
