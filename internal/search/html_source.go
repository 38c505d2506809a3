package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// HTMLSourceConfig describes an image search results page
type HTMLSourceConfig struct {
	Name       string
	URL        string   // {query} and {count} are substituted
	Selector   string   // CSS selector for image elements, default "img"
	Attributes []string // tried in order, default data-src then src
	UserAgent  string
	Timeout    time.Duration
}

// HTMLSource scrapes image URLs from a results page with colly
type HTMLSource struct {
	cfg  HTMLSourceConfig
	base *colly.Collector
}

// NewHTMLSource creates a scraping source. Each Search runs on a clone of one
// base collector so callbacks never leak between concurrent calls.
func NewHTMLSource(cfg HTMLSourceConfig) *HTMLSource {
	if cfg.Selector == "" {
		cfg.Selector = "img"
	}
	if len(cfg.Attributes) == 0 {
		cfg.Attributes = []string{"data-src", "src"}
	}

	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	if cfg.Timeout > 0 {
		base.SetRequestTimeout(cfg.Timeout)
	}

	return &HTMLSource{cfg: cfg, base: base}
}

func (s *HTMLSource) Name() string { return s.cfg.Name }

// Search fetches the results page and collects image candidates in document order
func (s *HTMLSource) Search(ctx context.Context, query string, maxResults int) ([]Candidate, error) {
	c := s.base.Clone()
	c.Context = ctx

	var (
		mu         sync.Mutex
		candidates []Candidate
		seen       = make(map[string]bool)
		fetchErr   error
	)

	c.OnHTML(s.cfg.Selector, func(e *colly.HTMLElement) {
		link := s.imageURL(e)
		if link == "" {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		if seen[link] || (maxResults > 0 && len(candidates) >= maxResults) {
			return
		}
		seen[link] = true
		candidates = append(candidates, Candidate{
			URL:    link,
			Source: s.cfg.Name,
			Width:  atoi(e.Attr("width")),
			Height: atoi(e.Attr("height")),
			Title:  strings.TrimSpace(firstNonEmpty(e.Attr("alt"), e.Attr("title"))),
		})
	})

	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil && r.StatusCode > 0 {
			fetchErr = fmt.Errorf("http %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	if err := c.Visit(expandTemplate(s.cfg.URL, query, maxResults)); err != nil {
		mu.Lock()
		defer mu.Unlock()
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, err
	}
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if fetchErr != nil {
		return nil, fetchErr
	}
	return candidates, nil
}

func (s *HTMLSource) imageURL(e *colly.HTMLElement) string {
	for _, attr := range s.cfg.Attributes {
		v := strings.TrimSpace(e.Attr(attr))
		if v == "" || strings.HasPrefix(v, "data:") {
			continue
		}
		if attr == "srcset" {
			v = firstSrcsetURL(v)
		}
		if abs := e.Request.AbsoluteURL(v); abs != "" {
			return abs
		}
	}
	return ""
}

// firstSrcsetURL picks the first URL of a srcset list
func firstSrcsetURL(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(s), "px"))
	return n
}
