package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration is one forward-only schema step.
type migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Versions and sessions",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Last opened chapter",
		Up:          migrationV2Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    started_at  INTEGER NOT NULL,
    hostname    TEXT
);

CREATE TABLE IF NOT EXISTS versions (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT NOT NULL REFERENCES sessions(id),
    book_id       TEXT NOT NULL,
    section       TEXT NOT NULL,
    slug          TEXT NOT NULL,
    mode          TEXT NOT NULL,
    operation     TEXT NOT NULL,
    content_hash  TEXT NOT NULL,
    parent_hash   TEXT,
    created_ns    INTEGER NOT NULL,
    recorded_ns   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_versions_chapter ON versions(book_id, section, slug, mode, id);
CREATE INDEX IF NOT EXISTS idx_versions_session ON versions(session_id);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS last_opened (
    id          INTEGER PRIMARY KEY CHECK (id = 1),
    book_id     TEXT NOT NULL,
    section     TEXT NOT NULL,
    slug        TEXT NOT NULL,
    mode        TEXT NOT NULL,
    opened_ns   INTEGER NOT NULL
);
`

// migrate applies every pending migration, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, time.Now().UnixNano(), m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (j *Journal) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := j.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}
