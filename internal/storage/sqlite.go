package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Storage owns the SQLite database shared by the progress store and the
// result cache. *sql.DB is itself a pool: each worker goroutine checks out its
// own connection per statement, WAL lets readers run alongside the single
// writer, and busy_timeout absorbs short write contention.
type Storage struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string, maxConns int) (*Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=10000&_txlock=immediate&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist. It runs once per
// Storage no matter how many callers race on it.
func (s *Storage) initSchema() error {
	s.schemaOnce.Do(func() {
		schema := `
		CREATE TABLE IF NOT EXISTS progress (
			record_index INTEGER PRIMARY KEY,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			last_error TEXT,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			record_index INTEGER NOT NULL,
			metadata TEXT,
			error TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS result_cache (
			query_hash TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			source_url TEXT,
			local_path TEXT NOT NULL,
			content_hash TEXT,
			width INTEGER,
			height INTEGER,
			byte_size INTEGER,
			source_name TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			hit_count INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_progress_status ON progress(status, attempts);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_index ON dead_letters(record_index);
		`
		_, s.schemaErr = s.db.Exec(schema)
	})
	return s.schemaErr
}

// Progress returns the progress store backed by this database.
func (s *Storage) Progress(maxRetries int) *ProgressStore {
	return &ProgressStore{db: s.db, maxRetries: maxRetries}
}

// Cache returns the result cache backed by this database.
func (s *Storage) Cache() *ResultCache {
	return &ResultCache{db: s.db}
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
