package memory

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/alvmarrod/image-weaver/internal/storage"
	"github.com/sirupsen/logrus"
)

// Cache holds query results in memory for fast access. It follows the same
// contract as the sqlite-backed cache and can be flushed into it on shutdown.
type Cache struct {
	entries map[string]*storage.CacheEntry // query hash -> entry
	mu      sync.Mutex
}

// NewCache creates an empty in-memory cache
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*storage.CacheEntry),
	}
}

// Get returns a copy of the live entry for query and bumps its hit count.
// Entries pointing at a missing file are dropped and reported as a miss.
func (c *Cache) Get(_ context.Context, query string) (*storage.CacheEntry, error) {
	hash := storage.QueryHash(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[hash]
	if !exists {
		return nil, nil
	}

	if _, err := os.Stat(entry.LocalPath); err != nil {
		delete(c.entries, hash)
		logrus.Debugf("Cache entry for %q pointed at missing file %s, removed", entry.Query, entry.LocalPath)
		return nil, nil
	}

	entry.HitCount++
	entryCopy := *entry
	return &entryCopy, nil
}

// Put inserts or replaces the entry for entry.Query
func (c *Cache) Put(_ context.Context, entry storage.CacheEntry) error {
	if entry.Query == "" || entry.LocalPath == "" {
		return errors.New("cache entry requires query and local path")
	}
	entry.QueryHash = storage.QueryHash(entry.Query)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.HitCount = 0

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.QueryHash] = &entry
	return nil
}

// Len returns the number of cached queries
func (c *Cache) Len(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), nil
}

// ContentHashes returns the content hash of every cached asset
func (c *Cache) ContentHashes(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hashes := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		if e.ContentHash != "" {
			hashes = append(hashes, e.ContentHash)
		}
	}
	return hashes, nil
}

// Flush writes all in-memory entries to the persistent cache
func (c *Cache) Flush(ctx context.Context, store *storage.ResultCache) error {
	c.mu.Lock()
	snapshot := make([]storage.CacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		snapshot = append(snapshot, *e)
	}
	c.mu.Unlock()

	startTime := time.Now()
	logrus.Info("Starting cache flush to database...")

	written := 0
	var firstErr error
	for _, entry := range snapshot {
		if err := store.Put(ctx, entry); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logrus.Warnf("Failed to flush cache entry %q: %v", entry.Query, err)
			continue
		}
		written++
	}

	logrus.Infof("Cache flush complete: %d entries written in %v", written, time.Since(startTime))
	return firstErr
}
