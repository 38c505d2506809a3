package storage

import "time"

// Record status values in the progress table. Pending is implicit: a record
// without a row has not been attempted yet.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ProgressRecord is one row of the progress table
type ProgressRecord struct {
	Index     int
	Status    string
	Attempts  int
	Metadata  map[string]string
	LastError string
	UpdatedAt time.Time
}

// DeadLetter is a record that exhausted its retry budget
type DeadLetter struct {
	ID        int
	Index     int
	Metadata  map[string]string
	Error     string
	Attempts  int
	CreatedAt time.Time
}

// CacheEntry maps a normalized query to a previously acquired asset
type CacheEntry struct {
	QueryHash   string    `json:"query_hash"`
	Query       string    `json:"query"`
	SourceURL   string    `json:"source_url"`
	LocalPath   string    `json:"local_path"`
	ContentHash string    `json:"content_hash"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	ByteSize    int64     `json:"byte_size"`
	SourceName  string    `json:"source_name"`
	CreatedAt   time.Time `json:"created_at"`
	HitCount    int       `json:"hit_count"`
}

// ProgressCounts summarizes the progress and dead-letter tables
type ProgressCounts struct {
	Done        int `json:"done"`
	Failed      int `json:"failed"`
	DeadLetters int `json:"dead_letters"`
}
