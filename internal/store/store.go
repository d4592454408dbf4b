// Package store provides the client's durable state backed by an embedded
// SQLite database: profile, peer cache, conversations, messages, reactions,
// forgotten-peer state, and settings. It owns the database lifecycle and is
// the only component allowed to touch the database.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — local device profile (single row, id = 1)
	`CREATE TABLE IF NOT EXISTS profile (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		device_id    TEXT NOT NULL,
		display_name TEXT NOT NULL,
		avatar_emoji TEXT NOT NULL DEFAULT '',
		avatar_bg    TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	// v3 — peer cache (last-known view of remote devices)
	`CREATE TABLE IF NOT EXISTS peers (
		device_id      TEXT PRIMARY KEY,
		display_name   TEXT NOT NULL DEFAULT '',
		avatar_emoji   TEXT NOT NULL DEFAULT '',
		avatar_bg      TEXT NOT NULL DEFAULT '',
		status_message TEXT NOT NULL DEFAULT '',
		app_version    TEXT NOT NULL DEFAULT '',
		address        TEXT NOT NULL DEFAULT '',
		port           INTEGER NOT NULL DEFAULT 0,
		source         TEXT NOT NULL DEFAULT 'cache',
		last_seen_at   INTEGER NOT NULL DEFAULT 0
	)`,
	// v4 — conversations
	`CREATE TABLE IF NOT EXISTS conversations (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		peer_device_id TEXT,
		title          TEXT NOT NULL DEFAULT '',
		unread_count   INTEGER NOT NULL DEFAULT 0,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	)`,
	// v5 — messages
	`CREATE TABLE IF NOT EXISTS messages (
		message_id         TEXT PRIMARY KEY,
		conversation_id    TEXT NOT NULL,
		direction          TEXT NOT NULL,
		sender_device_id   TEXT NOT NULL,
		receiver_device_id TEXT,
		type               TEXT NOT NULL,
		body_text          TEXT,
		file_id            TEXT,
		file_name          TEXT,
		file_size          INTEGER,
		file_sha256        TEXT,
		file_path          TEXT,
		status             TEXT,
		created_at         INTEGER NOT NULL
	)`,
	// v6 — reactions, one row per (message, reactor)
	`CREATE TABLE IF NOT EXISTS reactions (
		message_id        TEXT NOT NULL,
		reactor_device_id TEXT NOT NULL,
		emoji             TEXT NOT NULL,
		PRIMARY KEY (message_id, reactor_device_id)
	)`,
	// v7 — forgotten peers (hidden until the relay reports them offline)
	`CREATE TABLE IF NOT EXISTS forgotten_peers (
		device_id           TEXT PRIMARY KEY,
		waiting_for_offline INTEGER NOT NULL DEFAULT 1,
		updated_at          INTEGER NOT NULL
	)`,
	// v8 — profile status message (added after initial release)
	`ALTER TABLE profile ADD COLUMN status_message TEXT NOT NULL DEFAULT ''`,
	// v9 — counterpart reaction carried on the message row for sync
	`ALTER TABLE messages ADD COLUMN reaction TEXT`,
	// v10 — delete-for-everyone tombstones
	`ALTER TABLE messages ADD COLUMN deleted_at INTEGER`,
	// v11 — indexes for conversation scans and sync windows
	`CREATE INDEX IF NOT EXISTS idx_messages_conv_created
		ON messages(conversation_id, created_at, message_id)`,
	// v12 — WAL for concurrent readers
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the client-state operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single writer; a couple of read connections for scans.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("set busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup copies the database to destPath via SQLite's VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
