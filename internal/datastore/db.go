package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection shared by the SQLite scan and profile stores.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewDB initializes a new DB connection and ensures the schema is set up.
func NewDB(dataSourceName string, logger zerolog.Logger) (*DB, error) {
	logger = logger.With().Str("component", "ScanDB").Logger()
	logger.Info().Str("db_path", dataSourceName).Msg("Initializing scan database connection")

	if dataSourceName != ":memory:" {
		dbDir := filepath.Dir(dataSourceName)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			logger.Error().Err(err).Str("directory", dbDir).Msg("Failed to create database directory")
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	dbInstance, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		logger.Error().Err(err).Str("db_path", dataSourceName).Msg("Failed to open scan database")
		return nil, fmt.Errorf("sql.Open failed for %s: %w", dataSourceName, err)
	}
	// SQLite allows one writer; a single connection serializes writers instead of
	// surfacing SQLITE_BUSY.
	dbInstance.SetMaxOpenConns(1)

	db := &DB{
		db:     dbInstance,
		logger: logger,
	}

	if err := db.InitSchema(context.Background()); err != nil {
		db.Close()
		logger.Error().Err(err).Msg("Failed to initialize database schema")
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info().Str("path", dataSourceName).Msg("Database initialized and schema verified.")
	return db, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// InitSchema creates the scans and profiles tables if they don't already exist.
func (d *DB) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			target_name TEXT NOT NULL,
			target_url TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			idempotency_key TEXT UNIQUE,
			vuln_critical INTEGER,
			vuln_high INTEGER,
			vuln_medium INTEGER,
			vuln_low INTEGER,
			vuln_info INTEGER,
			privacy_high INTEGER,
			privacy_medium INTEGER,
			privacy_low INTEGER,
			dependencies_total INTEGER,
			failure_kind TEXT,
			failure_message TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scans_account ON scans (account_id, started_at);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			uid TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			d.logger.Error().Err(err).Msg("DB: Failed to initialize schema")
			return err
		}
	}
	d.logger.Debug().Msg("DB: Schema initialized successfully (scans, profiles tables ensured).")
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
