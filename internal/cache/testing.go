package cache

import "github.com/redis/rueidis"

// NewRedisCacheForTest wraps an existing client (typically a rueidis mock).
func NewRedisCacheForTest(c rueidis.Client, prefix string) *RedisCache {
	return newRedisCache(c, prefix)
}
