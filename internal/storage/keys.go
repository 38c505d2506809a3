package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeQuery case-folds the query and collapses runs of whitespace so that
// superficially different spellings share one cache entry.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// QueryHash is the cache primary key for a query.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(query)))
	return hex.EncodeToString(sum[:])
}
