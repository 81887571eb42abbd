package database

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// getSchemaVersion reads the applied schema version: PRAGMA user_version on
// SQLite, the schema_migrations table on Postgres.
func (db *DB) getSchemaVersion() (int, error) {
	var version int
	if db.dialect == dialectPostgres {
		if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
			return 0, fmt.Errorf("creating schema_migrations: %w", err)
		}
		if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
			return 0, fmt.Errorf("reading schema version: %w", err)
		}
		return version, nil
	}
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate brings the database schema up to the latest version.
func (db *DB) migrate() error {
	current, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	latest := latestVersion()
	if current >= latest {
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		slog.Info("Applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.apply(tx, db.dialect); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if db.dialect == dialectPostgres {
			if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
				tx.Rollback()
				return fmt.Errorf("recording version %d: %w", m.Version, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		// Set user_version outside the transaction (modernc/sqlite requirement).
		// If we crash here, the idempotent DDL lets the migration re-run.
		if db.dialect == dialectSQLite {
			if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
				return fmt.Errorf("setting version %d: %w", m.Version, err)
			}
		}
	}

	return nil
}

func (m Migration) apply(tx *sql.Tx, d dialect) error {
	for _, stmt := range m.Statements {
		if _, err := tx.Exec(expandDDL(stmt, d)); err != nil {
			return err
		}
	}
	return nil
}
