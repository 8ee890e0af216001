package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

const getState = `SELECT value FROM session_state WHERE key = ?`

func (q *Queries) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRowContext(ctx, getState, key).Scan(&value)
	return value, err
}

const upsertState = `
INSERT INTO session_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`

func (q *Queries) UpsertState(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, upsertState, key, value)
	return err
}

const deleteState = `DELETE FROM session_state WHERE key = ?`

func (q *Queries) DeleteState(ctx context.Context, key string) error {
	_, err := q.db.ExecContext(ctx, deleteState, key)
	return err
}
