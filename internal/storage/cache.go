package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// ResultCache maps normalized queries to previously acquired assets
type ResultCache struct {
	db *sql.DB
}

// Get returns the live entry for query and bumps its hit count. An entry whose
// file has disappeared is deleted and reported as a miss.
func (c *ResultCache) Get(ctx context.Context, query string) (*CacheEntry, error) {
	hash := QueryHash(query)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cache lookup: %w", err)
	}
	defer tx.Rollback()

	var entry CacheEntry
	err = tx.QueryRowContext(ctx, `
		SELECT query_hash, query, source_url, local_path, content_hash,
		       width, height, byte_size, source_name, created_at, hit_count
		FROM result_cache
		WHERE query_hash = ?
	`, hash).Scan(&entry.QueryHash, &entry.Query, &entry.SourceURL, &entry.LocalPath, &entry.ContentHash,
		&entry.Width, &entry.Height, &entry.ByteSize, &entry.SourceName, &entry.CreatedAt, &entry.HitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if !fileExists(entry.LocalPath) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM result_cache WHERE query_hash = ?`, hash); err != nil {
			return nil, fmt.Errorf("failed to delete stale cache entry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit stale cache delete: %w", err)
		}
		logrus.Debugf("Cache entry for %q pointed at missing file %s, removed", entry.Query, entry.LocalPath)
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE result_cache SET hit_count = hit_count + 1 WHERE query_hash = ?`, hash); err != nil {
		return nil, fmt.Errorf("failed to bump cache hit count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cache hit: %w", err)
	}
	entry.HitCount++
	return &entry, nil
}

// Put stores entry under the normalized hash of entry.Query, replacing any
// prior entry for the same query.
func (c *ResultCache) Put(ctx context.Context, entry CacheEntry) error {
	if entry.Query == "" || entry.LocalPath == "" {
		return errors.New("cache entry requires query and local path")
	}
	entry.QueryHash = QueryHash(entry.Query)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO result_cache (query_hash, query, source_url, local_path, content_hash,
		                          width, height, byte_size, source_name, created_at, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(query_hash) DO UPDATE SET
			query = EXCLUDED.query,
			source_url = EXCLUDED.source_url,
			local_path = EXCLUDED.local_path,
			content_hash = EXCLUDED.content_hash,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			byte_size = EXCLUDED.byte_size,
			source_name = EXCLUDED.source_name,
			created_at = EXCLUDED.created_at,
			hit_count = 0
	`, entry.QueryHash, entry.Query, entry.SourceURL, entry.LocalPath, entry.ContentHash,
		entry.Width, entry.Height, entry.ByteSize, entry.SourceName, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// Len returns the number of cached queries
func (c *ResultCache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM result_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return n, nil
}

// ContentHashes returns every content hash referenced by the cache, so a new
// run can refuse to reuse bytes already bound to another query.
func (c *ResultCache) ContentHashes(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT content_hash FROM result_cache WHERE content_hash <> ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to load content hashes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan content hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
