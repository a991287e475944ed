// Package db owns the single pooled connection to Azure SQL and the cached
// access token that authenticates it. Every tool invocation passes through
// Manager.EnsureConnection before touching the database.
package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/auth"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/config"
)

// Descriptor is everything needed to open one connection pool. Built fresh
// for each (re)connection attempt and never persisted. The rendered DSN
// embeds credentials and must never be logged.
type Descriptor struct {
	Server   string
	Port     int
	Database string

	Mode  config.AuthMode
	Token string // access-token mode only

	TenantID     string // service-principal mode only
	ClientID     string
	clientSecret string

	Timeout   time.Duration
	TrustCert bool
}

// Build turns configuration plus an optional token into a Descriptor for the
// given auth mode. Pure; fails when identity fields the mode needs are absent.
func Build(cfg *config.Config, mode config.AuthMode, token auth.AccessToken) (Descriptor, error) {
	d := Descriptor{
		Server:    cfg.Server,
		Port:      cfg.Port,
		Database:  cfg.Database,
		Mode:      mode,
		Timeout:   cfg.ConnectionTimeout,
		TrustCert: cfg.TrustServerCertificate,
	}
	if d.Server == "" || d.Database == "" {
		return Descriptor{}, fmt.Errorf("descriptor: server and database are required")
	}
	switch mode {
	case config.AuthAccessToken:
		if token.Token == "" {
			return Descriptor{}, fmt.Errorf("descriptor: access-token mode requires a token")
		}
		d.Token = token.Token
	case config.AuthServicePrincipal:
		if !cfg.HasServicePrincipal() {
			return Descriptor{}, fmt.Errorf("descriptor: service-principal mode requires tenant id, client id and client secret")
		}
		d.TenantID = cfg.TenantID
		d.ClientID = cfg.ClientID
		d.clientSecret = cfg.ClientSecret()
	default:
		return Descriptor{}, fmt.Errorf("descriptor: unknown auth mode %q", mode)
	}
	return d, nil
}

// DSN renders the go-mssqldb key/value connection string. Encryption is
// always on: Azure SQL refuses cleartext connections.
func (d Descriptor) DSN() string {
	parts := []string{
		"server=" + d.Server,
		fmt.Sprintf("port=%d", d.Port),
		"database=" + d.Database,
		"encrypt=true",
		fmt.Sprintf("TrustServerCertificate=%t", d.TrustCert),
		fmt.Sprintf("dial timeout=%d", int(d.Timeout.Seconds())),
	}
	if d.Mode == config.AuthServicePrincipal {
		parts = append(parts,
			"fedauth=ActiveDirectoryServicePrincipal",
			fmt.Sprintf("user id=%s@%s", d.ClientID, d.TenantID),
			"password="+d.clientSecret,
		)
	}
	return strings.Join(parts, ";")
}
