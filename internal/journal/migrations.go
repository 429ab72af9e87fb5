package journal

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Append new migrations with the next version number.
var migrations = []migration{
	{
		Version:     1,
		Description: "Order and fill journal",
		SQL: `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS fills (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			fill_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty INTEGER NOT NULL,
			price REAL NOT NULL,
			order_type TEXT NOT NULL,
			realized_pnl REAL,
			UNIQUE(session_id, fill_id)
		);

		CREATE INDEX IF NOT EXISTS idx_orders_session ON orders(session_id, order_id);
		CREATE INDEX IF NOT EXISTS idx_fills_session_ts ON fills(session_id, ts);
		`,
	},
	{
		Version:     2,
		Description: "Session index",
		SQL: `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			day TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`,
	},
}

func (j *Journal) migrate() error {
	if _, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("init migrations table: %w", err)
	}

	var current int
	if err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := j.apply(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (j *Journal) apply(m migration) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration.
func (j *Journal) SchemaVersion() (int, error) {
	var v int
	err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}
