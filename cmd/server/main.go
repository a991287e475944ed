// Package main runs the mssql-mcp server: an MCP server exposing Azure SQL
// introspection and data tools over stdio, with an optional HTTP/JSON bridge.
// Credentials are short-lived Azure AD tokens with a service-principal
// fallback; tools never see them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/auth"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/config"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/db"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/httpbridge"
	"github.com/Arturo-Quiroga-MSFT/mssql-mcp/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// stdout belongs to the stdio transport; all logging goes to stderr.
	logger := newLogger(cfg)

	var tokens auth.TokenProvider
	if cfg.AuthMode == config.AuthAccessToken {
		tokens, err = auth.NewClientSecretProvider(cfg.TenantID, cfg.ClientID, cfg.ClientSecret())
		if err != nil {
			logger.Error("credential setup failed", "error", err.Error())
			os.Exit(1)
		}
	}

	mgr := db.NewManager(cfg, tokens, logger)
	defer mgr.Close()

	reg := server.NewRegistry(cfg, mgr, logger)
	mcp := server.NewMCP(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if cfg.PreFlight {
		if err := mgr.PreFlight(ctx); err != nil {
			logger.Error("pre-flight check failed", "error", err.Error())
			if !cfg.PreFlightContinue {
				os.Exit(1)
			}
			logger.Warn("continuing despite pre-flight failure")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stdio := mcpserver.NewStdioServer(mcp)
		stdio.SetErrorLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError))
		return stdio.Listen(ctx, os.Stdin, os.Stdout)
	})

	if cfg.HTTPPort > 0 {
		bridge := httpbridge.New(reg, mgr, cfg.APIKeys(), logger)
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:           bridge.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http bridge listening", "port", cfg.HTTPPort, "auth", len(cfg.APIKeys()) > 0)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

// newLogger builds the process logger from config: text (default) or json
// handler, level from MCP_LOG_LEVEL.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
