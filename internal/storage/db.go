// Package storage is the on-disk cache of conversations and recent messages,
// kept in a SQLite database in the profile directory.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// DefaultKeepMessages is how many messages per conversation are kept.
const DefaultKeepMessages = 200

// DB wraps the cache database of one profile.
type DB struct {
	db   *sql.DB
	path string
	keep int
	mu   sync.RWMutex
}

// Open opens or creates the cache in the given directory.
func Open(profileDir string) (*DB, error) {
	dbPath := filepath.Join(profileDir, "cache.db")

	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			activity   INTEGER NOT NULL DEFAULT 0,
			hidden     INTEGER NOT NULL DEFAULT 0,
			body       TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}

	// key is the correlation id when the message has one, else the server id.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			key             TEXT PRIMARY KEY,
			id              TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			body            TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_by_conversation
			ON messages (conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS messages_by_id ON messages (id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath, keep: DefaultKeepMessages}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SetKeep changes how many messages per conversation survive a save.
func (d *DB) SetKeep(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > 0 {
		d.keep = n
	}
}

// Meta returns a value from the key/value table, "" when absent.
func (d *DB) Meta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var v sql.NullString
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}

// SetMeta stores a value in the key/value table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Reset drops every cached row, used when the profile switches accounts.
func (d *DB) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"messages", "conversations", "_meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
