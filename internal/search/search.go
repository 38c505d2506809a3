// Package search fans an image query out across ordered external sources.
// Each source has its own rate limiter and circuit breaker; a failing source
// costs nothing once its breaker is open.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/image-weaver/internal/health"
	"github.com/alvmarrod/image-weaver/internal/metrics"
	"github.com/alvmarrod/image-weaver/internal/resilience"
)

// Candidate is an unvalidated reference to a possible image
type Candidate struct {
	URL    string `json:"url"`
	Source string `json:"source"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Source is one external image search backend. Implementations may return
// errors freely; the coordinator turns them into empty results.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]Candidate, error)
}

// Registration binds a source to its request rate
type Registration struct {
	Source       Source
	RateLimitRPS float64
}

// Options tunes the coordinator
type Options struct {
	MinResults       int           // stop querying further sources once reached
	InterSourceDelay time.Duration // pause between two sources that both execute
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Clock            func() time.Time // breaker clock, for tests
}

type sourceState struct {
	source  Source
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

// Coordinator owns one state object per source. There is no global state.
type Coordinator struct {
	sources []*sourceState
	byName  map[string]*sourceState
	health  *health.Tracker
	opts    Options
}

// NewCoordinator builds a coordinator over sources in priority order
func NewCoordinator(regs []Registration, tracker *health.Tracker, opts Options) *Coordinator {
	if tracker == nil {
		tracker = health.NewTracker()
	}
	c := &Coordinator{
		byName: make(map[string]*sourceState, len(regs)),
		health: tracker,
		opts:   opts,
	}

	for _, reg := range regs {
		name := reg.Source.Name()
		breakerOpts := []resilience.BreakerOption{
			resilience.WithBreakerThreshold(opts.BreakerThreshold),
			resilience.WithBreakerTransitionHook(func(from, to resilience.BreakerState) {
				metrics.BreakerTransitionsTotal.WithLabelValues(name, to.String()).Inc()
				logrus.Warnf("Source %s circuit %s -> %s", name, from, to)
			}),
		}
		if opts.BreakerCooldown > 0 {
			breakerOpts = append(breakerOpts, resilience.WithBreakerCooldown(opts.BreakerCooldown))
		}
		if opts.Clock != nil {
			breakerOpts = append(breakerOpts, resilience.WithBreakerClock(opts.Clock))
		}

		st := &sourceState{
			source:  reg.Source,
			limiter: resilience.NewRateLimiter(reg.RateLimitRPS),
			breaker: resilience.NewCircuitBreaker(breakerOpts...),
		}
		c.sources = append(c.sources, st)
		c.byName[name] = st
		tracker.Register(name)
	}
	return c
}

// Search queries sources in priority order and merges their candidates,
// source-priority-major, dropping URLs already seen in this call. It stops
// once MinResults unique candidates are collected.
func (c *Coordinator) Search(ctx context.Context, query string, maxResults int) []Candidate {
	seen := make(map[string]struct{})
	var merged []Candidate
	executed := false

	for _, st := range c.sources {
		if ctx.Err() != nil {
			break
		}
		if c.opts.MinResults > 0 && len(merged) >= c.opts.MinResults {
			break
		}
		if !st.breaker.Allow() {
			c.skipOpen(st)
			continue
		}

		if executed && c.opts.InterSourceDelay > 0 {
			select {
			case <-ctx.Done():
				return merged
			case <-time.After(c.opts.InterSourceDelay):
			}
		}
		executed = true

		for _, cand := range c.safeSearch(ctx, st, query, maxResults) {
			key := strings.TrimSpace(cand.URL)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, cand)
		}
	}

	logrus.Debugf("Search %q: %d unique candidates", query, len(merged))
	return merged
}

// SafeSearch calls one named source through its breaker and limiter. It never
// returns an error: an open breaker, a cancelled wait or a failing adapter all
// yield nil.
func (c *Coordinator) SafeSearch(ctx context.Context, source, query string, maxResults int) []Candidate {
	st, ok := c.byName[source]
	if !ok {
		return nil
	}
	return c.safeSearch(ctx, st, query, maxResults)
}

func (c *Coordinator) safeSearch(ctx context.Context, st *sourceState, query string, maxResults int) []Candidate {
	name := st.source.Name()

	if !st.breaker.Allow() {
		c.skipOpen(st)
		return nil
	}
	if err := st.limiter.Wait(ctx); err != nil {
		return nil
	}

	start := time.Now()
	results, err := callSource(ctx, st.source, query, maxResults)
	latency := time.Since(start)

	if err != nil {
		st.breaker.RecordFailure()
		c.health.RecordCall(name, false, 0, latency, err)
		logrus.Warnf("Source %s failed for %q: %v", name, query, err)
		return nil
	}

	st.breaker.RecordSuccess()
	c.health.RecordCall(name, true, len(results), latency, nil)

	for i := range results {
		if results[i].Source == "" {
			results[i].Source = name
		}
	}
	return results
}

func (c *Coordinator) skipOpen(st *sourceState) {
	metrics.SourceCallsTotal.WithLabelValues(st.source.Name(), "circuit_open").Inc()
	logrus.Debugf("Source %s skipped: %v", st.source.Name(), resilience.ErrCircuitOpen)
}

// callSource converts an adapter panic into an error
func callSource(ctx context.Context, src Source, query string, maxResults int) (results []Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source %s panicked: %v", src.Name(), r)
		}
	}()
	return src.Search(ctx, query, maxResults)
}

// BreakerState returns the named source's breaker snapshot
func (c *Coordinator) BreakerState(source string) (resilience.BreakerSnapshot, bool) {
	st, ok := c.byName[source]
	if !ok {
		return resilience.BreakerSnapshot{}, false
	}
	return st.breaker.Snapshot(), true
}

// ResetBreaker closes the named source's breaker. Returns false for an
// unknown source.
func (c *Coordinator) ResetBreaker(source string) bool {
	st, ok := c.byName[source]
	if !ok {
		return false
	}
	st.breaker.Reset()
	logrus.Infof("Breaker for source %s reset manually", source)
	return true
}

// Report returns per-source health including breaker state
func (c *Coordinator) Report() []metrics.SourceStats {
	report := c.health.Report()
	for i := range report {
		if st, ok := c.byName[report[i].Name]; ok {
			report[i].Breaker = st.breaker.State().String()
		}
	}
	return report
}

// SuggestPriority returns the health tracker's suggested source order
func (c *Coordinator) SuggestPriority() []string {
	return c.health.SuggestPriority()
}
