// Package snapshot persists a history of loaded config documents to a
// single-file SQLite database (spec.md §6): every config load or hot
// reload records a snapshot, and the store keeps only the most recent N
// (default 3), auto-pruning older rows.
//
// Grounded on the teacher pack's own `modernc.org/sqlite` usage in
// Heikkila-Pty-Ltd-cortex's cmd/db-restore and cmd/burnin-evidence tools:
// plain database/sql against the pure-Go sqlite driver, no ORM, schema
// applied with a single CREATE TABLE IF NOT EXISTS at open time.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Trigger distinguishes why a snapshot was recorded (spec.md §6).
type Trigger string

const (
	TriggerStartup Trigger = "startup"
	TriggerReload  Trigger = "reload"
)

// Snapshot is one recorded config document.
type Snapshot struct {
	ID         int64
	CreatedAt  time.Time
	Trigger    Trigger
	ConfigHash string
	ConfigYAML string
	SourcePath string
}

// Store is a config-snapshot history backed by a single SQLite file.
type Store struct {
	db      *sql.DB
	maxKeep int
}

// Open opens (creating if absent) the SQLite database at path and ensures
// its schema exists. maxKeep bounds how many snapshots Record retains;
// values <= 0 default to 3 (spec.md §6).
func Open(path string, maxKeep int) (*Store, error) {
	if maxKeep <= 0 {
		maxKeep = 3
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("snapshot: create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serialises writers per-connection; avoid SQLITE_BUSY under concurrent config reloads.

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: create schema: %w", err)
	}
	return &Store{db: db, maxKeep: maxKeep}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS config_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at  TEXT NOT NULL,
	trigger     TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	config_yaml TEXT NOT NULL,
	source_path TEXT NOT NULL
)`

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record inserts a new snapshot and prunes anything beyond the store's
// maxKeep bound, oldest first.
func (s *Store) Record(ctx context.Context, trig Trigger, configHash, configYAML, sourcePath string) (*Snapshot, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO config_snapshots (created_at, trigger, config_hash, config_yaml, source_path) VALUES (?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano), string(trig), configHash, configYAML, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("snapshot: last insert id: %w", err)
	}

	if err := s.prune(ctx); err != nil {
		return nil, err
	}

	return &Snapshot{
		ID: id, CreatedAt: now, Trigger: trig,
		ConfigHash: configHash, ConfigYAML: configYAML, SourcePath: sourcePath,
	}, nil
}

// prune deletes every row beyond the maxKeep most recent (by id).
func (s *Store) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM config_snapshots
		WHERE id NOT IN (
			SELECT id FROM config_snapshots ORDER BY id DESC LIMIT ?
		)`, s.maxKeep)
	if err != nil {
		return fmt.Errorf("snapshot: prune: %w", err)
	}
	return nil
}

// List returns every retained snapshot, most recent (highest id) first
// (spec.md §6: "list returns descending by id").
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, trigger, config_hash, config_yaml, source_path
		 FROM config_snapshots ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var createdAt, trig string
		if err := rows.Scan(&snap.ID, &createdAt, &trig, &snap.ConfigHash, &snap.ConfigYAML, &snap.SourcePath); err != nil {
			return nil, fmt.Errorf("snapshot: scan: %w", err)
		}
		snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		snap.Trigger = Trigger(trig)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Latest returns the most recently recorded snapshot, or nil if the store
// is empty.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}
