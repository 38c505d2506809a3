package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alvmarrod/image-weaver/internal/resilience"
)

// SourceStats is the per-source health summary carried in the run report
type SourceStats struct {
	Name         string  `json:"name"`
	TotalCalls   int64   `json:"total_calls"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	TotalResults int64   `json:"total_results"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgResults   float64 `json:"avg_results"`
	LastError    string  `json:"last_error,omitempty"`
	Breaker      string  `json:"breaker,omitempty"`
}

// SourceReporter supplies per-source health for the final report
type SourceReporter interface {
	Report() []SourceStats
	SuggestPriority() []string
}

// Snapshot is a point-in-time copy of the run counters
type Snapshot struct {
	Attempted         int64 `json:"attempted"`
	Succeeded         int64 `json:"succeeded"`
	Failed            int64 `json:"failed"`
	CacheHits         int64 `json:"cache_hits"`
	Placeholders      int64 `json:"placeholders"`
	DeadLetterRetried int64 `json:"dead_letter_retried"`
	DeadLettered      int64 `json:"dead_lettered"`
}

// Report is the JSON document written at the end of a run
type Report struct {
	RunID             string        `json:"run_id"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           time.Time     `json:"end_time"`
	DurationSeconds   float64       `json:"duration_seconds"`
	TerminationReason string        `json:"termination_reason"`
	Counters          Snapshot      `json:"counters"`
	Sources           []SourceStats `json:"sources,omitempty"`
	SuggestedPriority []string      `json:"suggested_priority,omitempty"`
}

// Tracker holds the process-wide run counters. Counters are observational
// only; nothing reads them to make control-flow decisions.
type Tracker struct {
	runID     string
	startTime time.Time

	attempted         resilience.Counter
	succeeded         resilience.Counter
	failed            resilience.Counter
	cacheHits         resilience.Counter
	placeholders      resilience.Counter
	deadLetterRetried resilience.Counter
	deadLettered      resilience.Counter

	mu      sync.Mutex
	sources SourceReporter
}

// NewTracker creates a tracker with a fresh run id
func NewTracker() *Tracker {
	return &Tracker{
		runID:     uuid.NewString(),
		startTime: time.Now(),
	}
}

// RunID identifies this process's run in logs and the report
func (t *Tracker) RunID() string { return t.runID }

// AttachSources makes per-source health part of the report
func (t *Tracker) AttachSources(r SourceReporter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources = r
}

func (t *Tracker) IncrementAttempted() { t.attempted.Inc() }

// IncrementSucceeded counts a record written as done
func (t *Tracker) IncrementSucceeded() {
	t.succeeded.Inc()
	RecordsTotal.WithLabelValues("done").Inc()
}

// IncrementFailed counts a record written as failed
func (t *Tracker) IncrementFailed() {
	t.failed.Inc()
	RecordsTotal.WithLabelValues("failed").Inc()
}

// IncrementCacheHit counts a record served from the result cache
func (t *Tracker) IncrementCacheHit() {
	t.cacheHits.Inc()
}

// IncrementPlaceholder counts a record composed with the placeholder image
func (t *Tracker) IncrementPlaceholder() {
	t.placeholders.Inc()
	RecordsTotal.WithLabelValues("placeholder").Inc()
}

func (t *Tracker) IncrementDeadLetterRetried() { t.deadLetterRetried.Inc() }

// IncrementDeadLettered counts a record moved to the dead-letter table
func (t *Tracker) IncrementDeadLettered() {
	t.deadLettered.Inc()
	RecordsTotal.WithLabelValues("dead_letter").Inc()
}

// GetSnapshot returns a copy of current counters
func (t *Tracker) GetSnapshot() Snapshot {
	return Snapshot{
		Attempted:         t.attempted.Load(),
		Succeeded:         t.succeeded.Load(),
		Failed:            t.failed.Load(),
		CacheHits:         t.cacheHits.Load(),
		Placeholders:      t.placeholders.Load(),
		DeadLetterRetried: t.deadLetterRetried.Load(),
		DeadLettered:      t.deadLettered.Load(),
	}
}

// BuildReport assembles the final report without writing it
func (t *Tracker) BuildReport(reason string) Report {
	end := time.Now()
	report := Report{
		RunID:             t.runID,
		StartTime:         t.startTime,
		EndTime:           end,
		DurationSeconds:   end.Sub(t.startTime).Seconds(),
		TerminationReason: reason,
		Counters:          t.GetSnapshot(),
	}

	t.mu.Lock()
	sources := t.sources
	t.mu.Unlock()
	if sources != nil {
		report.Sources = sources.Report()
		report.SuggestedPriority = sources.SuggestPriority()
	}
	return report
}

// WriteToFile exports the run report to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	report := t.BuildReport(reason)

	jsonData, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}

	return nil
}

// LogProgress formats current counters for periodic console updates
func (t *Tracker) LogProgress() string {
	s := t.GetSnapshot()
	return fmt.Sprintf("Records: %d attempted, %d done, %d failed | Cache hits: %d | Placeholders: %d | Dead-letter retried: %d",
		s.Attempted,
		s.Succeeded,
		s.Failed,
		s.CacheHits,
		s.Placeholders,
		s.DeadLetterRetried,
	)
}
