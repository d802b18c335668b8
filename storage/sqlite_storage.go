package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStorage is the durable store behind the bridge host.
type SQLiteStorage struct {
	db *sql.DB
}

type SQLiteStorageOptions struct {
	DBPath string
}

func NewSQLiteStorage(opts SQLiteStorageOptions) (*SQLiteStorage, error) {
	if opts.DBPath == "" {
		opts.DBPath = "./data/bridge.db"
	}

	db, err := openSQLite(opts.DBPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetItem(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM items WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get item: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStorage) SetItem(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO items (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to set item: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) RemoveItem(key string) error {
	if _, err := s.db.Exec("DELETE FROM items WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to remove item: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Clear() error {
	if _, err := s.db.Exec("DELETE FROM items"); err != nil {
		return fmt.Errorf("failed to clear items: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM items ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
