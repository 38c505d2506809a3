package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alvmarrod/image-weaver/internal/health"
	"github.com/alvmarrod/image-weaver/internal/resilience"
)

type fakeSource struct {
	name    string
	mu      sync.Mutex
	calls   int
	results []Candidate
	err     error
	panics  bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Search(_ context.Context, _ string, _ int) ([]Candidate, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics {
		panic("adapter bug")
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Candidate, len(f.results))
	copy(out, f.results)
	return out, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func cands(urls ...string) []Candidate {
	out := make([]Candidate, len(urls))
	for i, u := range urls {
		out[i] = Candidate{URL: u}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSearch_MergesInPriorityOrderWithDedup(t *testing.T) {
	a := &fakeSource{name: "a", results: cands("u1", "u2")}
	b := &fakeSource{name: "b", results: cands("u2", "u3")}

	c := NewCoordinator([]Registration{{Source: a}, {Source: b}}, nil, Options{MinResults: 10})
	got := c.Search(context.Background(), "red nike shoes", 10)

	want := []string{"u1", "u2", "u3"}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].URL != w {
			t.Errorf("position %d: got %s, want %s", i, got[i].URL, w)
		}
	}
	if got[0].Source != "a" || got[2].Source != "b" {
		t.Errorf("source names not stamped: %+v", got)
	}
}

func TestSearch_StopsAtMinResults(t *testing.T) {
	a := &fakeSource{name: "a", results: cands("u1", "u2", "u3")}
	b := &fakeSource{name: "b", results: cands("u4")}

	c := NewCoordinator([]Registration{{Source: a}, {Source: b}}, nil, Options{MinResults: 3})
	got := c.Search(context.Background(), "q", 10)

	if len(got) != 3 {
		t.Fatalf("got %d candidates", len(got))
	}
	if b.Calls() != 0 {
		t.Fatalf("second source called %d times after threshold reached", b.Calls())
	}
}

func TestSearch_FailingSourceIsIsolated(t *testing.T) {
	a := &fakeSource{name: "a", err: errors.New("HTTP 503")}
	b := &fakeSource{name: "b", panics: true}
	d := &fakeSource{name: "d", results: cands("u1")}
	tracker := health.NewTracker()

	c := NewCoordinator([]Registration{{Source: a}, {Source: b}, {Source: d}}, tracker, Options{MinResults: 5})
	got := c.Search(context.Background(), "q", 10)

	if len(got) != 1 || got[0].URL != "u1" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if m := tracker.Metrics("a"); m.Failures != 1 || m.LastError != "HTTP 503" {
		t.Errorf("failure not recorded for a: %+v", m)
	}
	if m := tracker.Metrics("b"); m.Failures != 1 {
		t.Errorf("panic not recorded as failure: %+v", m)
	}
	if m := tracker.Metrics("d"); m.Successes != 1 || m.TotalResults != 1 {
		t.Errorf("success not recorded for d: %+v", m)
	}
}

func TestSafeSearch_BreakerShortCircuits(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &fakeSource{name: "flaky", err: errors.New("timeout")}

	c := NewCoordinator([]Registration{{Source: src}}, nil, Options{
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
		Clock:            clock.Now,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.SafeSearch(ctx, "flaky", "q", 5)
	}
	if src.Calls() != 3 {
		t.Fatalf("expected 3 adapter calls, got %d", src.Calls())
	}

	for i := 0; i < 5; i++ {
		if got := c.SafeSearch(ctx, "flaky", "q", 5); got != nil {
			t.Fatalf("open breaker returned results: %+v", got)
		}
	}
	if src.Calls() != 3 {
		t.Fatalf("adapter invoked while open: %d calls", src.Calls())
	}
	if snap, _ := c.BreakerState("flaky"); snap.State != resilience.BreakerOpen {
		t.Fatalf("expected open, got %s", snap.StateName)
	}

	clock.Advance(time.Minute)
	src.setErr(nil)
	src.results = cands("u1")

	got := c.SafeSearch(ctx, "flaky", "q", 5)
	if len(got) != 1 {
		t.Fatalf("half-open probe should reach adapter, got %+v", got)
	}
	if snap, _ := c.BreakerState("flaky"); snap.State != resilience.BreakerClosed {
		t.Fatalf("expected closed after half-open success, got %s", snap.StateName)
	}
}

func TestCoordinator_ResetBreaker(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &fakeSource{name: "flaky", err: errors.New("timeout")}
	c := NewCoordinator([]Registration{{Source: src}}, nil, Options{
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
		Clock:            clock.Now,
	})
	ctx := context.Background()

	c.SafeSearch(ctx, "flaky", "q", 5)
	c.SafeSearch(ctx, "flaky", "q", 5)
	if snap, _ := c.BreakerState("flaky"); snap.State != resilience.BreakerOpen {
		t.Fatalf("expected open, got %s", snap.StateName)
	}

	if !c.ResetBreaker("flaky") {
		t.Fatal("reset of known source reported false")
	}
	if c.ResetBreaker("nope") {
		t.Error("reset of unknown source reported true")
	}

	src.setErr(nil)
	src.results = cands("u1")
	if got := c.SafeSearch(ctx, "flaky", "q", 5); len(got) != 1 {
		t.Fatalf("reset breaker still short-circuits: %+v", got)
	}
	if src.Calls() != 3 {
		t.Errorf("adapter calls = %d, want 3", src.Calls())
	}
}

func TestSearch_OpenSourceSkippedWithoutDelay(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bad := &fakeSource{name: "bad", err: errors.New("down")}
	good := &fakeSource{name: "good", results: cands("u1")}

	const delay = 300 * time.Millisecond
	c := NewCoordinator([]Registration{{Source: bad}, {Source: good}}, nil, Options{
		MinResults:       10,
		InterSourceDelay: delay,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
		Clock:            clock.Now,
	})

	// First search trips the breaker and pays one delay between two executed sources.
	start := time.Now()
	c.Search(context.Background(), "q", 5)
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("expected inter-source delay, took %v", elapsed)
	}

	// Second search: bad is open, only good executes, so no delay.
	start = time.Now()
	got := c.Search(context.Background(), "q", 5)
	if elapsed := time.Since(start); elapsed >= delay {
		t.Fatalf("delay applied for skipped source: %v", elapsed)
	}
	if len(got) != 1 || bad.Calls() != 1 {
		t.Fatalf("unexpected state: got=%+v badCalls=%d", got, bad.Calls())
	}
}

func TestSafeSearch_RateLimited(t *testing.T) {
	src := &fakeSource{name: "slow", results: cands("u1")}
	c := NewCoordinator([]Registration{{Source: src, RateLimitRPS: 20}}, nil, Options{})

	start := time.Now()
	for i := 0; i < 4; i++ {
		c.SafeSearch(context.Background(), "slow", fmt.Sprintf("q%d", i), 5)
	}
	// 4 calls at 20 rps take at least 3/20 s.
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Fatalf("rate limit not applied: %v", elapsed)
	}
}

func TestSafeSearch_UnknownSource(t *testing.T) {
	c := NewCoordinator(nil, nil, Options{})
	if got := c.SafeSearch(context.Background(), "nope", "q", 5); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestCoordinator_ReportIncludesBreaker(t *testing.T) {
	src := &fakeSource{name: "a", results: cands("u1")}
	c := NewCoordinator([]Registration{{Source: src}}, nil, Options{})
	c.Search(context.Background(), "q", 5)

	report := c.Report()
	if len(report) != 1 || report[0].Breaker != "closed" || report[0].TotalCalls != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if p := c.SuggestPriority(); len(p) != 1 || p[0] != "a" {
		t.Fatalf("unexpected priority: %v", p)
	}
}
