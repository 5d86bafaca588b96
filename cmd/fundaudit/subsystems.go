package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/fundaudit/pkg/audit"
	"github.com/Mindburn-Labs/fundaudit/pkg/auth"
	"github.com/Mindburn-Labs/fundaudit/pkg/config"
	"github.com/Mindburn-Labs/fundaudit/pkg/history"
	"github.com/Mindburn-Labs/fundaudit/pkg/observability"
)

// loadConfig reads the environment, overlays FUNDAUDIT_CONFIG when set and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if path := os.Getenv("FUNDAUDIT_CONFIG"); path != "" {
		if cfg, err = config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// auditHandle is an opened audit log plus whatever must be closed with it.
type auditHandle struct {
	Log    *audit.Log
	closer func() error
}

func (h *auditHandle) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer()
}

func openAudit(ctx context.Context, cfg *config.Config) (*auditHandle, error) {
	var (
		sink   audit.Sink
		closer func() error
	)
	switch cfg.AuditSink {
	case config.SinkMemory:
		sink = audit.NewMemorySink()
	case config.SinkFile:
		if err := os.MkdirAll(filepath.Dir(cfg.AuditPath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create audit dir: %w", err)
		}
		fs, err := audit.NewFileSink(cfg.AuditPath)
		if err != nil {
			return nil, err
		}
		sink, closer = fs, fs.Close
	case config.SinkSQLite, config.SinkPostgres:
		driver, dsn, dialect := "sqlite", cfg.AuditPath, audit.DialectSQLite
		if cfg.AuditSink == config.SinkPostgres {
			driver, dsn, dialect = "postgres", cfg.DatabaseURL, audit.DialectPostgres
		} else if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", driver, err)
		}
		ss := audit.NewSQLSink(db, dialect)
		if err := ss.Init(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to init %s audit sink: %w", driver, err)
		}
		sink, closer = ss, db.Close
	default:
		return nil, fmt.Errorf("%w: unknown audit sink %q", config.ErrInvalidConfig, cfg.AuditSink)
	}

	log, err := audit.Open(ctx, sink)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	slog.Default().DebugContext(ctx, "audit log opened", "sink", cfg.AuditSink, "entries", log.Len())
	return &auditHandle{Log: log, closer: closer}, nil
}

// openHistory returns the shared Redis store when REDIS_ADDR is set and nil
// otherwise, which leaves the evaluator on its in-memory default.
func openHistory(ctx context.Context, cfg *config.Config) (history.Store, func() error, error) {
	if cfg.RedisAddr == "" {
		return nil, func() error { return nil }, nil
	}
	rs := history.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	if err := rs.Ping(ctx); err != nil {
		_ = rs.Close()
		return nil, nil, fmt.Errorf("%w: %w", history.ErrUnavailable, err)
	}
	return rs, rs.Close, nil
}

// actorContext attaches the acting principal. A --token value wins over
// FUNDAUDIT_ACTOR; neither leaves the system actor.
func actorContext(ctx context.Context, cfg *config.Config, token string) (context.Context, error) {
	if token != "" {
		if cfg.TokenSecret == "" {
			return ctx, errors.New("FUNDAUDIT_TOKEN_SECRET is required to verify --token")
		}
		p, err := auth.NewTokenValidator(cfg.TokenSecret, cfg.TokenIssuer).Validate(strings.TrimSpace(token))
		if err != nil {
			return ctx, err
		}
		return auth.WithPrincipal(ctx, p), nil
	}
	if cfg.Actor != "" {
		return auth.WithPrincipal(ctx, &auth.BasePrincipal{ID: cfg.Actor}), nil
	}
	return ctx, nil
}

func setupTelemetry(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	if !cfg.OTelEnabled {
		return nil, nil
	}
	oc := observability.DefaultConfig()
	oc.ServiceVersion = Version
	oc.Endpoint = cfg.OTLPEndpoint
	oc.Enabled = true
	oc.Insecure = true
	return observability.New(ctx, oc)
}
