package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return &DB{Client: db}, db.PingContext(ctx)
}

// Migrate creates the schema when missing. The vector extension backs stored
// face embeddings.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id  TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id         BIGSERIAL PRIMARY KEY,
		device_id  TEXT NOT NULL,
		token      TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS identities (
		identity_id  TEXT PRIMARY KEY,
		display_name TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS face_enrollments (
		id          BIGSERIAL PRIMARY KEY,
		identity_id TEXT NOT NULL REFERENCES identities(identity_id) ON DELETE CASCADE,
		embedding   vector NOT NULL,
		dim         INT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_face_enrollments_identity ON face_enrollments(identity_id)`,
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		latitude   DOUBLE PRECISION NOT NULL,
		longitude  DOUBLE PRECISION NOT NULL,
		radius_m   DOUBLE PRECISION NOT NULL,
		opens_at   TIMESTAMPTZ,
		closes_at  TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_decisions (
		id              UUID PRIMARY KEY,
		session_id      TEXT NOT NULL,
		device_id       TEXT NOT NULL DEFAULT '',
		identity_id     TEXT,
		enrollment_id   BIGINT,
		distance        DOUBLE PRECISION NOT NULL,
		confidence      DOUBLE PRECISION NOT NULL,
		match_reason    TEXT NOT NULL,
		match_accepted  BOOLEAN NOT NULL,
		in_range        BOOLEAN NOT NULL,
		geofence_reason TEXT NOT NULL DEFAULT '',
		distance_m      DOUBLE PRECISION NOT NULL DEFAULT 0,
		in_window       BOOLEAN NOT NULL,
		accepted        BOOLEAN NOT NULL,
		reasons         TEXT[] NOT NULL DEFAULT '{}',
		stable_count    INT NOT NULL DEFAULT 0,
		captured_at     TIMESTAMPTZ,
		decided_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_identity_session ON attendance_decisions(identity_id, session_id, decided_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON attendance_decisions(decided_at DESC)`,
}
