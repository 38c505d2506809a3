package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const maxResponseBytes = 10 * 1024 * 1024

// JSONSourceConfig describes how to call and parse a JSON image search API
type JSONSourceConfig struct {
	Name       string
	URL        string            // {query} and {count} are substituted
	Method     string            // default GET
	Headers    map[string]string // ${ENV_VAR} expanded at request time
	ResultPath string            // dot-notation: "data.images"; empty = root array
	Fields     map[string]string // url, title, width, height -> item key (dot-notation allowed)
	UserAgent  string
}

// JSONSource queries a JSON API and maps each result item to a Candidate
type JSONSource struct {
	cfg    JSONSourceConfig
	client *http.Client
}

// NewJSONSource creates a JSON API source
func NewJSONSource(cfg JSONSourceConfig, client *http.Client) *JSONSource {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	return &JSONSource{cfg: cfg, client: client}
}

func (s *JSONSource) Name() string { return s.cfg.Name }

// Search calls the API and extracts up to maxResults candidates
func (s *JSONSource) Search(ctx context.Context, query string, maxResults int) ([]Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, expandTemplate(s.cfg.URL, query, maxResults), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, os.Expand(v, os.Getenv))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if s.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}

	items, err := walkPath(raw, s.cfg.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("walk path %q: %w", s.cfg.ResultPath, err)
	}

	candidates := make([]Candidate, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cand := s.extract(obj)
		if cand.URL == "" {
			continue
		}
		candidates = append(candidates, cand)
		if maxResults > 0 && len(candidates) >= maxResults {
			break
		}
	}
	return candidates, nil
}

func (s *JSONSource) extract(obj map[string]any) Candidate {
	field := func(name string) any {
		key := name
		if mapped, ok := s.cfg.Fields[name]; ok {
			key = mapped
		}
		v, _ := lookup(obj, key)
		return v
	}
	return Candidate{
		URL:    asString(field("url")),
		Title:  asString(field("title")),
		Width:  asInt(field("width")),
		Height: asInt(field("height")),
		Source: s.cfg.Name,
	}
}

// walkPath walks a dot-notation path to the result array. An empty path means
// the root must be an array.
func walkPath(v any, path string) ([]any, error) {
	current := v
	if path != "" {
		var err error
		current, err = lookup(v, path)
		if err != nil {
			return nil, err
		}
	}
	arr, ok := current.([]any)
	if !ok {
		if path == "" {
			return nil, fmt.Errorf("root is not an array")
		}
		return nil, fmt.Errorf("path %q is not an array", path)
	}
	return arr, nil
}

func lookup(v any, path string) (any, error) {
	current := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object at %q, got %T", part, current)
		}
		current, ok = obj[part]
		if !ok {
			return nil, fmt.Errorf("key %q not found", part)
		}
	}
	return current, nil
}

func expandTemplate(tmpl, query string, count int) string {
	r := strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{count}", strconv.Itoa(count),
	)
	return r.Replace(tmpl)
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	default:
		return 0
	}
}
