package raven

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps pending requests in a SQLite table. Save rewrites the
// table inside one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates) the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// single writer, the queue serializes access anyway
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS unsent_requests (
		position INTEGER PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", storageVersion)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set schema version: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load() ([]QueuedRequest, error) {
	rows, err := s.db.Query("SELECT uuid, payload FROM unsent_requests ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	var requests []QueuedRequest
	for rows.Next() {
		var r QueuedRequest
		if err := rows.Scan(&r.UUID, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (s *SQLiteStore) Save(requests []QueuedRequest) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM unsent_requests"); err != nil {
		return fmt.Errorf("clear pending requests: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO unsent_requests (position, uuid, payload) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range requests {
		if _, err := stmt.Exec(i, r.UUID, r.Payload); err != nil {
			return fmt.Errorf("insert request %s: %w", r.UUID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
