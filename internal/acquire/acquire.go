// Package acquire turns ranked search candidates into one validated local
// image. Candidates are fetched with bounded retries, checked for size,
// geometry and real visual content, deduplicated by content hash across the
// whole run, and saved as PNG or JPEG.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/image-weaver/internal/metrics"
	"github.com/alvmarrod/image-weaver/internal/resilience"
	"github.com/alvmarrod/image-weaver/internal/search"
)

// ErrExhausted means no candidate survived validation. Callers fall back to a
// placeholder; it is a result, not a fault.
var ErrExhausted = errors.New("no acceptable candidate")

// Rejection reasons
const (
	ReasonExcluded   = "excluded"
	ReasonFetch      = "fetch"
	ReasonTooSmall   = "too_small"
	ReasonTooLarge   = "too_large"
	ReasonDecode     = "decode"
	ReasonDimensions = "dimensions"
	ReasonAspect     = "aspect"
	ReasonNoContent  = "no_content"
	ReasonDuplicate  = "duplicate"
	ReasonSave       = "save"
)

// ExhaustedError reports why every candidate for a query was rejected
type ExhaustedError struct {
	Query      string
	Candidates int
	Rejections map[string]int
}

func (e *ExhaustedError) Error() string {
	if e.Candidates == 0 {
		return fmt.Sprintf("%v for %q: no candidates", ErrExhausted, e.Query)
	}
	reasons := make([]string, 0, len(e.Rejections))
	for r := range e.Rejections {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = fmt.Sprintf("%s=%d", r, e.Rejections[r])
	}
	return fmt.Sprintf("%v for %q (%d candidates: %s)", ErrExhausted, e.Query, e.Candidates, strings.Join(parts, " "))
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Asset is a validated image saved on local disk
type Asset struct {
	LocalPath   string `json:"local_path"`
	SourceURL   string `json:"source_url"`
	ContentHash string `json:"content_hash"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ByteSize    int64  `json:"byte_size"`
	SourceName  string `json:"source_name"`
}

// Options holds ranking and validation thresholds
type Options struct {
	MinBytes       int64
	MaxBytes       int64
	MinWidth       int
	MinHeight      int
	MinAspect      float64 // width/height
	MaxAspect      float64
	MinStdDev      float64 // luminance standard deviation, 0-255 scale
	MinColors      int     // distinct colors after 5-bit quantization
	Retry          resilience.RetryPolicy
	FetchTimeout   time.Duration
	MaxPerDomain   int // 0 = no cap
	TrustedDomains []string
	PenaltyTerms   []string
	SourceTrust    map[string]float64
	JPEGQuality    int
	UserAgent      string
}

// Pipeline ranks, fetches, validates and saves candidates. It is safe for
// concurrent use; the content hash set is shared by every caller.
type Pipeline struct {
	opts   Options
	client *http.Client
	hashes *resilience.Set
}

// NewPipeline creates a pipeline. hashes is the run-wide content hash set and
// may be pre-seeded with hashes already bound to cached queries.
func NewPipeline(opts Options, client *http.Client, hashes *resilience.Set) *Pipeline {
	if client == nil {
		client = &http.Client{}
	}
	if hashes == nil {
		hashes = resilience.NewSet()
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	return &Pipeline{opts: opts, client: client, hashes: hashes}
}

// Hashes exposes the shared content hash set
func (p *Pipeline) Hashes() *resilience.Set { return p.hashes }

// AcquireBest walks ranked candidates and returns the (skip+1)-th valid one,
// saved under destDir. Candidates earlier than that are validated but not
// claimed. Returns an *ExhaustedError when nothing qualifies.
func (p *Pipeline) AcquireBest(ctx context.Context, candidates []search.Candidate, destDir, query string, skip int) (*Asset, error) {
	exhausted := &ExhaustedError{
		Query:      query,
		Candidates: len(candidates),
		Rejections: make(map[string]int),
	}
	reject := func(c search.Candidate, reason string, err error) {
		exhausted.Rejections[reason]++
		metrics.CandidateRejectionsTotal.WithLabelValues(reason).Inc()
		if err != nil {
			logrus.Debugf("Rejected %s for %q (%s): %v", c.URL, query, reason, err)
		} else {
			logrus.Debugf("Rejected %s for %q (%s)", c.URL, query, reason)
		}
	}

	ranked, excluded := p.rank(candidates)
	for _, c := range excluded {
		reject(c, ReasonExcluded, nil)
	}

	valid := 0
	for _, c := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := p.fetch(ctx, c.URL)
		if err != nil {
			if errors.Is(err, errTooLarge) {
				reject(c, ReasonTooLarge, err)
			} else {
				reject(c, ReasonFetch, err)
			}
			continue
		}

		img, reason, err := p.validate(data)
		if reason != "" {
			reject(c, reason, err)
			continue
		}

		hash := contentHash(data)
		if p.hashes.Contains(hash) {
			reject(c, ReasonDuplicate, nil)
			continue
		}

		if valid < skip {
			valid++
			continue
		}

		// Claim the hash before saving so two workers can never bind the same bytes.
		if !p.hashes.Add(hash) {
			reject(c, ReasonDuplicate, nil)
			continue
		}

		asset, err := p.save(img, hash, destDir, query)
		if err != nil {
			p.hashes.Remove(hash)
			reject(c, ReasonSave, err)
			continue
		}
		asset.SourceURL = c.URL
		asset.SourceName = c.Source

		logrus.Debugf("Acquired %s for %q from %s (%dx%d)", asset.LocalPath, query, c.Source, asset.Width, asset.Height)
		return asset, nil
	}

	return nil, exhausted
}

// Release gives up an accepted asset: its hash returns to the pool and the
// saved file is removed.
func (p *Pipeline) Release(asset *Asset) {
	if asset == nil {
		return
	}
	p.hashes.Remove(asset.ContentHash)
	if err := os.Remove(asset.LocalPath); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Failed to remove released asset %s: %v", asset.LocalPath, err)
	}
}
