package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeInput(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "records.csv")
	if err := os.WriteFile(p, []byte("name\nshoe\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfig_JSONDefaults(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	path := writeConfig(t, dir, "config.json", `{
		"input": {"path": "`+input+`", "query_columns": ["name"]},
		"search": {"sources": [{"name": "primary", "url": "https://api.example.com/?q={query}"}]}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Input.Format != "csv" {
		t.Errorf("format: got %q", cfg.Input.Format)
	}
	if cfg.Run.Workers != 4 || cfg.Run.ChunkSize != 100 || cfg.DeadLetter.MaxRetries != 3 {
		t.Errorf("unexpected run defaults: %+v %+v", cfg.Run, cfg.DeadLetter)
	}
	if !cfg.ResumeEnabled() || !cfg.DeadLetterEnabled() || !cfg.AcceptOnError() || !cfg.FallbackUnverified() {
		t.Error("boolean defaults must be true")
	}
	if cfg.Search.Sources[0].Type != "json" {
		t.Errorf("source type default: %q", cfg.Search.Sources[0].Type)
	}
	if cfg.Cache.Backend != "sqlite" {
		t.Errorf("cache backend: %q", cfg.Cache.Backend)
	}
}

func TestLoadConfig_ExplicitFalseIsKept(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)
	path := writeConfig(t, dir, "config.json", `{
		"input": {"path": "`+input+`", "query_columns": ["name"]},
		"run": {"resume": false},
		"dead_letter": {"enabled": false},
		"verify": {"accept_on_error": false, "fallback_unverified": false},
		"search": {"sources": [{"name": "primary", "url": "u"}]}
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ResumeEnabled() || cfg.DeadLetterEnabled() || cfg.AcceptOnError() || cfg.FallbackUnverified() {
		t.Fatal("explicit false must override the true default")
	}
}

func TestLoadConfig_YAMLWithEnv(t *testing.T) {
	t.Setenv("WEAVER_TEST_KEY", "secret-123")
	dir := t.TempDir()
	input := writeInput(t, dir)
	path := writeConfig(t, dir, "config.yaml", `
input:
  path: `+input+`
  query_columns: [brand, name]
search:
  sources:
    - name: html
      type: html
      url: https://images.example.com/search?q={query}
      headers:
        Authorization: Bearer ${WEAVER_TEST_KEY}
    - name: off
      enabled: false
      url: https://unused.example.com
verify:
  model: ${WEAVER_TEST_MODEL:-gpt-4o}
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	html := cfg.Search.Sources[0]
	if html.Headers["Authorization"] != "Bearer secret-123" {
		t.Errorf("env not expanded: %q", html.Headers["Authorization"])
	}
	if html.Selector != "img" || strings.Join(html.Attributes, ",") != "data-src,src" {
		t.Errorf("html defaults: %+v", html)
	}
	if cfg.Verify.Model != "gpt-4o" {
		t.Errorf("default expansion: %q", cfg.Verify.Model)
	}
	if n := len(cfg.EnabledSources()); n != 1 {
		t.Errorf("enabled sources: got %d, want 1", n)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir)

	base := func() *Config {
		cfg := &Config{
			Input:  InputConfig{Path: input, QueryColumns: []string{"name"}},
			Search: SearchConfig{Sources: []SourceConfig{{Name: "a", URL: "u"}}},
		}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing input", func(c *Config) { c.Input.Path = filepath.Join(dir, "nope.csv") }, "input.path"},
		{"no query columns", func(c *Config) { c.Input.QueryColumns = nil }, "query_columns"},
		{"zero workers", func(c *Config) { c.Run.Workers = -1 }, "run.workers"},
		{"zero chunk", func(c *Config) { c.Run.ChunkSize = -5 }, "run.chunk_size"},
		{"bad retries", func(c *Config) { c.DeadLetter.MaxRetries = -1 }, "max_retries"},
		{"no enabled sources", func(c *Config) { c.Search.Sources[0].Enabled = boolPtr(false) }, "enabled source"},
		{"duplicate source", func(c *Config) {
			c.Search.Sources = append(c.Search.Sources, SourceConfig{Name: "a", URL: "u", Type: "json"})
		}, "duplicate"},
		{"bad source type", func(c *Config) { c.Search.Sources[0].Type = "grpc" }, "type"},
		{"aspect inverted", func(c *Config) { c.Acquire.MinAspect = 4 }, "min_aspect"},
		{"redis without addrs", func(c *Config) { c.Cache.Backend = "redis" }, "cache.redis.addrs"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "etcd" }, "cache.backend"},
		{"background without endpoint", func(c *Config) { c.Background.Enabled = true }, "background.endpoint"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error")
	}
}
