package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"caixa/internal/log"

	_ "modernc.org/sqlite"
)

// TokenKey is the single durable key the client persists.
const TokenKey = "access_token"

// SQLiteRepository persists client session state in a local SQLite file so
// a login survives restarts.
type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	logger  *log.Logger
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer; the CLI never needs more.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger = logger.WithComponent(log.ComponentStorage)
	logger.Debug("SQLite token store ready", log.FieldPath, dbPath)

	return &SQLiteRepository{
		db:      db,
		queries: NewQueries(db),
		logger:  logger,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// LoadToken returns the persisted token, or "" when none is stored.
func (r *SQLiteRepository) LoadToken(ctx context.Context) (string, error) {
	token, err := r.queries.GetState(ctx, TokenKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	return token, nil
}

func (r *SQLiteRepository) SaveToken(ctx context.Context, token string) error {
	if token == "" {
		return r.ClearToken(ctx)
	}
	if err := r.queries.UpsertState(ctx, TokenKey, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	r.logger.DebugContext(ctx, "Token persisted")
	return nil
}

// ClearToken is idempotent.
func (r *SQLiteRepository) ClearToken(ctx context.Context) error {
	if err := r.queries.DeleteState(ctx, TokenKey); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	r.logger.DebugContext(ctx, "Token cleared")
	return nil
}

// HealthCheck pings the underlying database.
func (r *SQLiteRepository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
