package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS broker_sessions (
	connection_id   TEXT PRIMARY KEY,
	remote_addr     TEXT NOT NULL DEFAULT '',
	user_id         TEXT,
	user_type       TEXT,
	connected_at    TIMESTAMPTZ NOT NULL,
	authenticated_at TIMESTAMPTZ,
	disconnected_at TIMESTAMPTZ,
	close_reason    TEXT
);
CREATE INDEX IF NOT EXISTS broker_sessions_user_idx ON broker_sessions (user_id, connected_at DESC);`

type pgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

type PostgresDB struct {
	pool   pgxPool
	logger zerolog.Logger
}

func NewPostgresDB(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := newPostgresDB(pool, logger)

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	db.logger.Info().Msg("Connected to database successfully")
	return db, nil
}

func newPostgresDB(pool pgxPool, logger zerolog.Logger) *PostgresDB {
	return &PostgresDB{
		pool:   pool,
		logger: logger.With().Str("component", "session_log").Logger(),
	}
}

func (db *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create session schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) RecordConnect(ctx context.Context, connectionID, remoteAddr string, at time.Time) error {
	query := `
		INSERT INTO broker_sessions (connection_id, remote_addr, connected_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (connection_id) DO NOTHING`

	if _, err := db.pool.Exec(ctx, query, connectionID, remoteAddr, at); err != nil {
		return fmt.Errorf("failed to record connect: %w", err)
	}
	return nil
}

func (db *PostgresDB) RecordAuth(ctx context.Context, connectionID, userID, userType string, at time.Time) error {
	query := `
		UPDATE broker_sessions
		SET user_id = $2, user_type = $3, authenticated_at = $4
		WHERE connection_id = $1`

	tag, err := db.pool.Exec(ctx, query, connectionID, userID, userType, at)
	if err != nil {
		return fmt.Errorf("failed to record auth: %w", err)
	}
	if tag.RowsAffected() == 0 {
		db.logger.Debug().Str("conn_id", connectionID).Msg("Auth recorded for unknown session")
	}
	return nil
}

func (db *PostgresDB) RecordDisconnect(ctx context.Context, connectionID, reason string, at time.Time) error {
	query := `
		UPDATE broker_sessions
		SET disconnected_at = $2, close_reason = $3
		WHERE connection_id = $1 AND disconnected_at IS NULL`

	if _, err := db.pool.Exec(ctx, query, connectionID, at, reason); err != nil {
		return fmt.Errorf("failed to record disconnect: %w", err)
	}
	return nil
}
