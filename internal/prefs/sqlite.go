package prefs

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS prefs (
	key   TEXT    NOT NULL,
	idx   INTEGER NOT NULL,
	value TEXT    NOT NULL,
	PRIMARY KEY (key, idx)
)`

// SQLiteStore keeps preferences in a SQLite database, one row per list item.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open prefs db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init prefs db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Strings(key string) ([]string, error) {
	rows, err := s.db.Query(`SELECT value FROM prefs WHERE key = ? ORDER BY idx`, key)
	if err != nil {
		return nil, &PersistenceError{Op: "read", Key: key, Err: err}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, &PersistenceError{Op: "read", Key: key, Err: err}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "read", Key: key, Err: err}
	}
	return out, nil
}

func (s *SQLiteStore) SetStrings(key string, values []string) error {
	if err := s.setStrings(key, values); err != nil {
		return &PersistenceError{Op: "write", Key: key, Err: err}
	}
	return nil
}

func (s *SQLiteStore) setStrings(key string, values []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM prefs WHERE key = ?`, key); err != nil {
		return err
	}
	for i, v := range values {
		if _, err := tx.Exec(`INSERT INTO prefs (key, idx, value) VALUES (?, ?, ?)`, key, i, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
