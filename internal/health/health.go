// Package health keeps rolling per-source performance numbers for the search
// coordinator and derives a suggested source priority from them.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/alvmarrod/image-weaver/internal/metrics"
)

// EngineMetrics are the accumulated totals for one source. Derived values are
// computed on read.
type EngineMetrics struct {
	TotalCalls   int64
	TotalResults int64
	Successes    int64
	Failures     int64
	TotalLatency time.Duration
	LastError    string
}

// SuccessRate is successes over calls, 0 when the source was never called
func (m EngineMetrics) SuccessRate() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.TotalCalls)
}

// AvgLatency is the mean call latency
func (m EngineMetrics) AvgLatency() time.Duration {
	if m.TotalCalls == 0 {
		return 0
	}
	return m.TotalLatency / time.Duration(m.TotalCalls)
}

// AvgResults is the mean number of candidates per call
func (m EngineMetrics) AvgResults() float64 {
	if m.TotalCalls == 0 {
		return 0
	}
	return float64(m.TotalResults) / float64(m.TotalCalls)
}

// Score is the priority heuristic: successRate*50 + avgResults*2 - avgLatencySeconds*5
func (m EngineMetrics) Score() float64 {
	return m.SuccessRate()*50 + m.AvgResults()*2 - m.AvgLatency().Seconds()*5
}

type sourceHealth struct {
	mu sync.Mutex
	m  EngineMetrics
}

// Tracker accumulates EngineMetrics per source name. Each source has its own
// lock so a slow writer on one source never blocks another.
type Tracker struct {
	mu      sync.RWMutex
	sources map[string]*sourceHealth
	order   []string
}

// NewTracker creates a tracker. Names listed up front appear in reports even
// before their first call.
func NewTracker(names ...string) *Tracker {
	t := &Tracker{sources: make(map[string]*sourceHealth)}
	for _, n := range names {
		t.get(n)
	}
	return t
}

// Register makes name appear in reports before its first call
func (t *Tracker) Register(name string) {
	t.get(name)
}

func (t *Tracker) get(name string) *sourceHealth {
	t.mu.RLock()
	s, ok := t.sources[name]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sources[name]; ok {
		return s
	}
	s = &sourceHealth{}
	t.sources[name] = s
	t.order = append(t.order, name)
	return s
}

// RecordCall adds one call outcome for source
func (t *Tracker) RecordCall(source string, success bool, resultCount int, latency time.Duration, err error) {
	s := t.get(source)
	s.mu.Lock()
	s.m.TotalCalls++
	s.m.TotalLatency += latency
	if success {
		s.m.Successes++
		s.m.TotalResults += int64(resultCount)
	} else {
		s.m.Failures++
		if err != nil {
			s.m.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	status := "ok"
	if !success {
		status = "error"
	}
	metrics.SourceCallsTotal.WithLabelValues(source, status).Inc()
	metrics.SourceCallDuration.WithLabelValues(source).Observe(latency.Seconds())
}

// Metrics returns a copy of the totals for source
func (t *Tracker) Metrics(source string) EngineMetrics {
	t.mu.RLock()
	s, ok := t.sources[source]
	t.mu.RUnlock()
	if !ok {
		return EngineMetrics{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m
}

func (t *Tracker) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Report returns one summary per source in registration order
func (t *Tracker) Report() []metrics.SourceStats {
	names := t.names()
	out := make([]metrics.SourceStats, 0, len(names))
	for _, name := range names {
		m := t.Metrics(name)
		out = append(out, metrics.SourceStats{
			Name:         name,
			TotalCalls:   m.TotalCalls,
			Successes:    m.Successes,
			Failures:     m.Failures,
			TotalResults: m.TotalResults,
			SuccessRate:  m.SuccessRate(),
			AvgLatencyMs: float64(m.AvgLatency()) / float64(time.Millisecond),
			AvgResults:   m.AvgResults(),
			LastError:    m.LastError,
		})
	}
	return out
}

// SuggestPriority ranks sources by Score, best first. Ties keep registration
// order. The result is a hint; nothing reorders sources automatically.
func (t *Tracker) SuggestPriority() []string {
	names := t.names()
	scores := make(map[string]float64, len(names))
	for _, n := range names {
		scores[n] = t.Metrics(n).Score()
	}
	sort.SliceStable(names, func(i, j int) bool {
		return scores[names[i]] > scores[names[j]]
	})
	return names
}
