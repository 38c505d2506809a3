package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/alvmarrod/image-weaver/internal/metrics"
	"github.com/alvmarrod/image-weaver/internal/storage"
)

type fakeSources struct{}

func (fakeSources) Report() []metrics.SourceStats {
	return []metrics.SourceStats{{Name: "primary", TotalCalls: 4, Successes: 3, Failures: 1, SuccessRate: 0.75}}
}

func (fakeSources) SuggestPriority() []string { return []string{"primary", "backup"} }

type resettableSources struct {
	fakeSources
	reset []string
}

func (r *resettableSources) ResetBreaker(name string) bool {
	if name != "primary" {
		return false
	}
	r.reset = append(r.reset, name)
	return true
}

type fakeProgress struct {
	counts storage.ProgressCounts
	err    error
}

func (f fakeProgress) Counts(context.Context) (storage.ProgressCounts, error) { return f.counts, f.err }

func get(t *testing.T, h http.Handler, path string) (int, []byte) {
	t.Helper()
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	s := New(":0", metrics.NewTracker(), nil, nil)
	code, body := get(t, s.Router(), "/healthz")
	if code != http.StatusOK || !strings.Contains(string(body), `"ok"`) {
		t.Errorf("healthz = %d %s", code, body)
	}
}

func TestStats(t *testing.T) {
	tracker := metrics.NewTracker()
	tracker.IncrementAttempted()
	tracker.IncrementAttempted()
	tracker.IncrementSucceeded()
	tracker.IncrementCacheHit()

	s := New(":0", tracker, nil, fakeProgress{counts: storage.ProgressCounts{Done: 7, Failed: 2, DeadLetters: 1}})
	code, body := get(t, s.Router(), "/api/stats")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != tracker.RunID() {
		t.Errorf("run id = %q", resp.RunID)
	}
	if resp.Counters.Attempted != 2 || resp.Counters.Succeeded != 1 || resp.Counters.CacheHits != 1 {
		t.Errorf("counters = %+v", resp.Counters)
	}
	if resp.Progress == nil || resp.Progress.Done != 7 || resp.Progress.DeadLetters != 1 {
		t.Errorf("progress = %+v", resp.Progress)
	}
}

func TestStats_ProgressError(t *testing.T) {
	s := New(":0", metrics.NewTracker(), nil, fakeProgress{err: errors.New("database is locked")})
	code, _ := get(t, s.Router(), "/api/stats")
	if code != http.StatusInternalServerError {
		t.Errorf("status = %d", code)
	}
}

func TestSources(t *testing.T) {
	s := New(":0", metrics.NewTracker(), fakeSources{}, nil)
	code, body := get(t, s.Router(), "/api/sources")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var resp SourcesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Sources) != 1 || resp.Sources[0].Name != "primary" {
		t.Errorf("sources = %+v", resp.Sources)
	}
	if !reflect.DeepEqual(resp.SuggestedPriority, []string{"primary", "backup"}) {
		t.Errorf("priority = %v", resp.SuggestedPriority)
	}

	// no reporter still answers with empty lists
	_, body = get(t, New(":0", metrics.NewTracker(), nil, nil).Router(), "/api/sources")
	if !strings.Contains(string(body), `"sources":[]`) {
		t.Errorf("body = %s", body)
	}
}

func TestResetBreaker(t *testing.T) {
	sources := &resettableSources{}
	ts := httptest.NewServer(New(":0", metrics.NewTracker(), sources, nil).Router())
	defer ts.Close()

	tests := []struct {
		name string
		path string
		want int
	}{
		{"known source", "/api/sources/primary/reset", http.StatusOK},
		{"unknown source", "/api/sources/ghost/reset", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+tt.path, "application/json", nil)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
	if !reflect.DeepEqual(sources.reset, []string{"primary"}) {
		t.Errorf("reset calls = %v", sources.reset)
	}

	// a reporter without reset support
	plain := httptest.NewServer(New(":0", metrics.NewTracker(), fakeSources{}, nil).Router())
	defer plain.Close()
	resp, err := http.Post(plain.URL+"/api/sources/primary/reset", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	metrics.RecordsTotal.WithLabelValues("done").Inc()

	code, body := get(t, New(":0", metrics.NewTracker(), nil, nil).Router(), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(string(body), "weaver_records_total") {
		t.Error("weaver metrics not exposed")
	}
}
