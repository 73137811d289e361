// Package store provides the session index: persistent, best-effort
// metadata about finalized telemetry sessions, backed by an embedded
// SQLite database.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a
// new string — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — session index
	`CREATE TABLE IF NOT EXISTS sessions (
		id              TEXT PRIMARY KEY,
		car_code        INTEGER NOT NULL,
		started_at      INTEGER NOT NULL,
		ended_at        INTEGER NOT NULL,
		packet_count    INTEGER NOT NULL DEFAULT 0,
		best_lap_ms     INTEGER NOT NULL DEFAULT -1,
		final_lap_count INTEGER NOT NULL DEFAULT 0,
		ndjson_path     TEXT NOT NULL,
		meta_path       TEXT NOT NULL
	)`,
	// v2 — config/settings key-value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v3 — index for the dashboard's recent-sessions listing
	`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the session index API.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("store: enable WAL mode", "err", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: set busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
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
		slog.Debug("store: applied migration", "version", v)
	}
	return nil
}

// Session is one finalized telemetry session's index record.
type Session struct {
	ID            string
	CarCode       int32
	StartedAt     int64 // unix millis
	EndedAt       int64 // unix millis
	PacketCount   int64
	BestLapMs     int32 // -1 if never set
	FinalLapCount int
	NDJSONPath    string
	MetaPath      string
}

// RecordSession inserts (or replaces) one finalized session's metadata.
// Best-effort: callers log and continue on error, per the relay's
// never-fatal-on-logging-paths posture.
func (s *Store) RecordSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions(id, car_code, started_at, ended_at, packet_count, best_lap_ms, final_lap_count, ndjson_path, meta_path)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			packet_count = excluded.packet_count,
			best_lap_ms = excluded.best_lap_ms,
			final_lap_count = excluded.final_lap_count`,
		sess.ID, sess.CarCode, sess.StartedAt, sess.EndedAt, sess.PacketCount,
		sess.BestLapMs, sess.FinalLapCount, sess.NDJSONPath, sess.MetaPath,
	)
	return err
}

// ListSessions returns the most recent sessions, newest first, bounded by
// limit.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, car_code, started_at, ended_at, packet_count, best_lap_ms, final_lap_count, ndjson_path, meta_path
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CarCode, &sess.StartedAt, &sess.EndedAt,
			&sess.PacketCount, &sess.BestLapMs, &sess.FinalLapCount, &sess.NDJSONPath, &sess.MetaPath); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession returns one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, bool, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, car_code, started_at, ended_at, packet_count, best_lap_ms, final_lap_count, ndjson_path, meta_path
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.CarCode, &sess.StartedAt, &sess.EndedAt,
		&sess.PacketCount, &sess.BestLapMs, &sess.FinalLapCount, &sess.NDJSONPath, &sess.MetaPath)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// GetSetting returns the value stored under key. The second return value
// is false when the key does not exist; an error is only returned for
// real I/O failures.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key -> value in the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// DeleteSetting removes key from the settings table, if present.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}
