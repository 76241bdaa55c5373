// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered, append-only schema history. Never edit an
// applied migration; checksums are verified on startup.
var migrations = []Migration{
	{
		Version:     1,
		Description: "records table with sync metadata",
		SQL: `
		CREATE TABLE records (
			id TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending'
				CHECK(sync_status IN ('pending', 'syncing', 'synced', 'error')),
			remote_ref TEXT,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL CHECK(updated_at >= created_at),
			PRIMARY KEY (entity_type, id)
		);
		CREATE INDEX idx_records_status ON records(sync_status);
		CREATE INDEX idx_records_updated ON records(entity_type, updated_at);`,
	},
	{
		Version:     2,
		Description: "durable mutation queue",
		SQL: `
		CREATE TABLE mutation_queue (
			sequence_id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL
				CHECK(operation IN ('create', 'update', 'delete')),
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			in_flight INTEGER NOT NULL DEFAULT 0
		);
		CREATE UNIQUE INDEX idx_queue_effective
			ON mutation_queue(entity_type, entity_id) WHERE in_flight = 0;`,
	},
	{
		Version:     3,
		Description: "change log and conflict log",
		SQL: `
		CREATE TABLE change_log (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX idx_change_log_entity ON change_log(entity_type, entity_id);
		CREATE TABLE conflict_log (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			local_timestamp INTEGER NOT NULL,
			remote_timestamp INTEGER NOT NULL,
			resolution TEXT NOT NULL,
			detected_at INTEGER NOT NULL
		);`,
	},
	{
		Version:     4,
		Description: "sync state key/value store",
		SQL: `
		CREATE TABLE sync_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	},
}

// Migrator applies the in-code migration list.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Up applies all pending migrations and verifies checksums of applied ones.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	applied := make(map[int]string)
	rows, err := m.db.Query("SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return err
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, mig := range migrations {
		sum := checksum(mig.SQL)

		if prev, ok := applied[mig.Version]; ok {
			if prev != sum {
				return fmt.Errorf("migration %d checksum mismatch: schema history was edited", mig.Version)
			}
			continue
		}

		if err := m.apply(mig, sum); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
	}

	return nil
}

// apply runs one migration inside a transaction.
func (m *Migrator) apply(mig Migration, sum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}

	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description, sum,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}
