package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// EventStore persists security events.
type EventStore interface {
	LogSecurityEvent(ctx context.Context, event *SecurityEvent) error
}

const schema = `
CREATE TABLE IF NOT EXISTS security_events (
	id            UUID PRIMARY KEY,
	type          TEXT NOT NULL,
	severity      TEXT NOT NULL,
	identity_hash TEXT NOT NULL,
	execution_id  TEXT NOT NULL DEFAULT '',
	code_hash     TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS security_events_identity_idx ON security_events (identity_hash, created_at DESC);
CREATE INDEX IF NOT EXISTS security_events_type_idx ON security_events (type, created_at DESC);`

// DB wraps a PostgreSQL connection pool for audit logging.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the audit table if it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogSecurityEvent inserts a security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEvent) error {
	prepareEvent(event, time.Now())

	query := `
		INSERT INTO security_events (id, type, severity, identity_hash, execution_id,
			code_hash, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.Type, event.Severity, event.IdentityHash,
		event.ExecutionID, event.CodeHash,
		truncateForDB(event.Detail, 4096),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

func prepareEvent(event *SecurityEvent, now time.Time) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.Severity == "" {
		event.Severity = "medium"
	}
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
