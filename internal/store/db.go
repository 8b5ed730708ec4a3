package store

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// OpenDB opens (or creates) the sqlite database and applies the schema.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			token TEXT UNIQUE,
			name TEXT NOT NULL,
			pixels INTEGER NOT NULL DEFAULT 0,
			placed INTEGER NOT NULL DEFAULT 0,
			last_ticked INTEGER NOT NULL DEFAULT 0,
			mod INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pixel_map (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			color INTEGER NOT NULL,
			user_id TEXT,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (x, y)
		);`,
		`CREATE TABLE IF NOT EXISTS placements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			color INTEGER NOT NULL,
			user_id TEXT,
			placed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_placements_coord ON placements(x, y, placed_at);`,
		`CREATE TABLE IF NOT EXISTS bans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT,
			user_id TEXT,
			reason TEXT,
			expires_at INTEGER,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			message TEXT NOT NULL,
			sent_at INTEGER NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id)
		);`,
		`CREATE TABLE IF NOT EXISTS connections (
			ip TEXT NOT NULL,
			user_id TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			PRIMARY KEY (ip, user_id)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
