package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps one row per conversation; Save rewrites the table inside a
// single transaction, which satisfies the all-or-nothing snapshot contract.
type SQLiteStore struct {
	db   *sql.DB
	Path string
}

// DefaultDBPath returns the default database path: ~/.secretary/secretary.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".secretary", "secretary.db"), nil
}

// Open opens (or creates) the SQLite database at the given path, configures
// pragmas, and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(path)
}

// OpenMemory opens an in-memory SQLite database for testing.
func OpenMemory() (*SQLiteStore, error) {
	return open(":memory:")
}

func open(path string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: sqlDB, Path: path}
	if err := s.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			record          TEXT NOT NULL,
			updated_at      INTEGER NOT NULL
		)
	`)
	return err
}

// Load reads every conversation record. A row that fails to decode is skipped
// with a logged warning; the rest of the snapshot still loads.
func (s *SQLiteStore) Load() (Snapshot, error) {
	rows, err := s.db.Query(`SELECT conversation_id, record FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{}
	for rows.Next() {
		var conv, raw string
		if err := rows.Scan(&conv, &raw); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		var rec ConversationRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			log.Printf("store: corrupt record for conversation %s, skipping: %v", conv, err)
			continue
		}
		snap[conv] = rec
	}
	return snap, rows.Err()
}

// Save replaces all conversation rows in one transaction.
func (s *SQLiteStore) Save(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	now := time.Now().UnixMilli()
	for conv, rec := range snap {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", conv, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (conversation_id, record, updated_at)
			VALUES (?, ?, ?)
		`, conv, string(raw), now); err != nil {
			return fmt.Errorf("insert conversation %s: %w", conv, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
