// Package cache provides a Redis-backed result cache for deployments where
// several weaver processes share one set of acquired assets.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/rueidis"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/image-weaver/internal/storage"
)

const defaultKeyPrefix = "weaver:cache:"

// deleteIfPathScript drops the entry only while it still points at the stale
// path, so a Put racing the self-heal survives.
const deleteIfPathScript = `if redis.call('HGET', KEYS[1], 'local_path') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0`

// bumpIfExistsScript returns -1 instead of creating a hash holding only hit_count.
const bumpIfExistsScript = `if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
end
return -1`

// RedisConfig holds connection parameters for the Redis cache
type RedisConfig struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisCache stores one hash per normalized query plus a set of every
// content hash it references.
type RedisCache struct {
	client rueidis.Client
	prefix string
}

// NewRedisCache connects to Redis via rueidis
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	return newRedisCache(client, cfg.KeyPrefix), nil
}

func newRedisCache(client rueidis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Do(ctx, c.b().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (c *RedisCache) Close() {
	c.client.Close()
}

// Get returns the live entry for query and bumps its hit count. A hash whose
// file no longer exists is deleted and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, query string) (*storage.CacheEntry, error) {
	key := c.entryKey(storage.QueryHash(query))

	fields, err := c.client.Do(ctx, c.b().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	entry := decodeEntry(fields)
	entry.QueryHash = storage.QueryHash(query)

	if _, err := os.Stat(entry.LocalPath); err != nil {
		removed, err := c.client.Do(ctx, c.b().Eval().Script(deleteIfPathScript).Numkeys(1).Key(key).Arg(entry.LocalPath).Build()).AsInt64()
		if err != nil {
			return nil, fmt.Errorf("failed to delete stale cache entry: %w", err)
		}
		if removed == 1 && entry.ContentHash != "" {
			if err := c.client.Do(ctx, c.b().Srem().Key(c.hashesKey()).Member(entry.ContentHash).Build()).Error(); err != nil {
				logrus.Warnf("Failed to drop content hash of stale entry %q: %v", entry.Query, err)
			}
		}
		logrus.Debugf("Cache entry for %q pointed at missing file %s, removed", entry.Query, entry.LocalPath)
		return nil, nil
	}

	hits, err := c.client.Do(ctx, c.b().Eval().Script(bumpIfExistsScript).Numkeys(1).Key(key).Build()).AsInt64()
	if err != nil {
		return nil, fmt.Errorf("failed to bump cache hit count: %w", err)
	}
	if hits < 0 {
		// removed by a concurrent reader between HGETALL and the bump
		return nil, nil
	}
	entry.HitCount = int(hits)
	return &entry, nil
}

// Put replaces the hash for entry.Query in a single HSET
func (c *RedisCache) Put(ctx context.Context, entry storage.CacheEntry) error {
	if entry.Query == "" || entry.LocalPath == "" {
		return errors.New("cache entry requires query and local path")
	}
	entry.QueryHash = storage.QueryHash(entry.Query)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	cmd := c.b().Hset().Key(c.entryKey(entry.QueryHash)).FieldValue()
	for k, v := range encodeEntry(entry) {
		cmd = cmd.FieldValue(k, v)
	}
	if err := c.client.Do(ctx, cmd.Build()).Error(); err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	if entry.ContentHash != "" {
		if err := c.client.Do(ctx, c.b().Sadd().Key(c.hashesKey()).Member(entry.ContentHash).Build()).Error(); err != nil {
			return fmt.Errorf("failed to index content hash: %w", err)
		}
	}
	return nil
}

// ContentHashes returns every content hash referenced by the cache
func (c *RedisCache) ContentHashes(ctx context.Context) ([]string, error) {
	hashes, err := c.client.Do(ctx, c.b().Smembers().Key(c.hashesKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list content hashes: %w", err)
	}
	return hashes, nil
}

func (c *RedisCache) b() rueidis.Builder {
	return c.client.B()
}

func (c *RedisCache) entryKey(queryHash string) string {
	return c.prefix + "q:" + queryHash
}

func (c *RedisCache) hashesKey() string {
	return c.prefix + "content_hashes"
}

func encodeEntry(e storage.CacheEntry) map[string]string {
	return map[string]string{
		"query":        e.Query,
		"source_url":   e.SourceURL,
		"local_path":   e.LocalPath,
		"content_hash": e.ContentHash,
		"width":        strconv.Itoa(e.Width),
		"height":       strconv.Itoa(e.Height),
		"byte_size":    strconv.FormatInt(e.ByteSize, 10),
		"source_name":  e.SourceName,
		"created_at":   e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"hit_count":    "0",
	}
}

func decodeEntry(m map[string]string) storage.CacheEntry {
	e := storage.CacheEntry{
		Query:       m["query"],
		SourceURL:   m["source_url"],
		LocalPath:   m["local_path"],
		ContentHash: m["content_hash"],
		SourceName:  m["source_name"],
	}
	e.Width, _ = strconv.Atoi(m["width"])
	e.Height, _ = strconv.Atoi(m["height"])
	e.ByteSize, _ = strconv.ParseInt(m["byte_size"], 10, 64)
	e.HitCount, _ = strconv.Atoi(m["hit_count"])
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"])
	return e
}
