package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps the PostgreSQL connection used for run history.
type DB struct {
	conn *sql.DB
}

const pingTimeout = 5 * time.Second

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*DB, error) {
	if url == "" {
		return nil, errors.New("database url is required")
	}
	conn, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS bunker_schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bunker_runs (
    run_id             TEXT PRIMARY KEY,
    label              TEXT NOT NULL DEFAULT '',
    recipe_fingerprint TEXT NOT NULL,
    device_policy      TEXT NOT NULL,
    started_at         TIMESTAMPTZ NOT NULL,
    finished_at        TIMESTAMPTZ NOT NULL,
    duration_ms        BIGINT NOT NULL,
    total              INTEGER NOT NULL,
    succeeded          INTEGER NOT NULL,
    failed             INTEGER NOT NULL,
    gate_failed        INTEGER NOT NULL,
    cancelled          INTEGER NOT NULL,
    downgrades         BIGINT NOT NULL,
    report             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bunker_runs_started ON bunker_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_bunker_runs_fingerprint ON bunker_runs(recipe_fingerprint);

CREATE TABLE IF NOT EXISTS bunker_run_inputs (
    run_id      TEXT NOT NULL REFERENCES bunker_runs(run_id) ON DELETE CASCADE,
    input       TEXT NOT NULL,
    status      TEXT NOT NULL CHECK(status IN ('success','failed','gate_failed','cancelled')),
    error_kind  TEXT NOT NULL DEFAULT '',
    output      TEXT NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL,
    ssim        DOUBLE PRECISION,
    psnr        DOUBLE PRECISION,
    mse         DOUBLE PRECISION,
    PRIMARY KEY (run_id, input)
);
CREATE INDEX IF NOT EXISTS idx_bunker_run_inputs_input ON bunker_run_inputs(input);
`

// Migrate applies the database schema.
func (d *DB) Migrate(ctx context.Context) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bunker_schema_version (version) VALUES (1) ON CONFLICT (version) DO NOTHING`,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	tables := []string{"bunker_run_inputs", "bunker_runs", "bunker_schema_version"}
	for _, t := range tables {
		if _, err := d.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}
