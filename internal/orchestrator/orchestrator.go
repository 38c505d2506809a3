// Package orchestrator drives records through cache, search, acquisition and
// hand-off with a chunked worker pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/image-weaver/internal/acquire"
	"github.com/alvmarrod/image-weaver/internal/compose"
	"github.com/alvmarrod/image-weaver/internal/metrics"
	"github.com/alvmarrod/image-weaver/internal/records"
	"github.com/alvmarrod/image-weaver/internal/search"
	"github.com/alvmarrod/image-weaver/internal/segment"
	"github.com/alvmarrod/image-weaver/internal/storage"
	"github.com/alvmarrod/image-weaver/internal/verify"
)

// Termination reasons written to the run report
const (
	ReasonCompleted   = "completed"
	ReasonInterrupted = "interrupted"
)

// ErrNoQuery is returned when no query column holds a usable value
var ErrNoQuery = errors.New("no usable query")

// ProgressStore persists per-record outcomes
type ProgressStore interface {
	IsDone(ctx context.Context, index int) (bool, error)
	MarkDone(ctx context.Context, index int, metadata map[string]string) error
	MarkFailed(ctx context.Context, index int, errMsg string, metadata map[string]string) (bool, error)
	DoneIndices(ctx context.Context) (map[int]struct{}, error)
	DeadLetteredIndices(ctx context.Context) (map[int]struct{}, error)
	DeadLetterCandidates(ctx context.Context) ([]int, error)
	Reset(ctx context.Context) error
	MaxRetries() int
}

// ResultCache maps queries to previously acquired assets
type ResultCache interface {
	Get(ctx context.Context, query string) (*storage.CacheEntry, error)
	Put(ctx context.Context, entry storage.CacheEntry) error
}

// Searcher returns merged candidates for a query
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) []search.Candidate
}

// Acquirer turns candidates into a saved asset
type Acquirer interface {
	AcquireBest(ctx context.Context, candidates []search.Candidate, destDir, query string, skip int) (*acquire.Asset, error)
	Release(asset *acquire.Asset)
}

// Outcome is the result of processing one record
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeFailed
	OutcomeDeadLettered
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Options controls the worker pool and per-record behavior
type Options struct {
	Workers         int
	ChunkSize       int
	Resume          bool
	DeadLetter      bool
	MaxResults      int
	AssetDir        string
	OutputDir       string
	PlaceholderPath string
	// MaxVerifyCandidates bounds how many assets are verified before falling
	// back to the best unverified one.
	MaxVerifyCandidates int
	// RequireVerified sends records whose candidates were all rejected to the
	// placeholder instead of the unverified fallback.
	RequireVerified bool
}

// Deps are the collaborators of a run. Verify, Segment and Composer are optional.
type Deps struct {
	Records  *records.Table
	Queries  *records.QueryBuilder
	Progress ProgressStore
	Cache    ResultCache
	Search   Searcher
	Acquire  Acquirer
	Verify   *verify.Gate
	Segment  segment.Remover
	Composer compose.Composer
	Tracker  *metrics.Tracker
}

// Orchestrator owns the worker pool for one run
type Orchestrator struct {
	opts Options
	deps Deps

	stopped  atomic.Bool
	stopOnce sync.Once
}

// New validates the dependencies and creates an orchestrator
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Records == nil || deps.Queries == nil {
		return nil, fmt.Errorf("records and query builder are required")
	}
	if deps.Progress == nil || deps.Cache == nil || deps.Search == nil || deps.Acquire == nil {
		return nil, fmt.Errorf("progress store, cache, searcher and acquirer are required")
	}
	if deps.Tracker == nil {
		deps.Tracker = metrics.NewTracker()
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1")
	}
	if opts.ChunkSize < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1")
	}
	if opts.AssetDir == "" {
		return nil, fmt.Errorf("asset dir is required")
	}
	if opts.MaxResults < 1 {
		opts.MaxResults = 20
	}
	if opts.MaxVerifyCandidates < 1 {
		opts.MaxVerifyCandidates = 1
	}
	return &Orchestrator{opts: opts, deps: deps}, nil
}

// Stop asks the run to finish: in-flight records complete, nothing new is
// dispatched. Safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		logrus.Info("Stop requested, finishing in-flight records...")
		o.stopped.Store(true)
	})
}

// Stopped reports whether Stop was called
func (o *Orchestrator) Stopped() bool {
	return o.stopped.Load()
}

// Run processes every outstanding record, then one dead-letter retry pass.
// It returns the termination reason for the run report.
func (o *Orchestrator) Run(ctx context.Context) (string, error) {
	work, err := o.workingSet(ctx)
	if err != nil {
		return "", err
	}

	logrus.Infof("Processing %d records with %d workers (chunk size %d)",
		len(work), o.opts.Workers, o.opts.ChunkSize)
	o.runChunks(ctx, work, false)

	if o.Stopped() {
		return ReasonInterrupted, nil
	}

	if o.opts.DeadLetter {
		retry, err := o.deadLetterSet(ctx)
		if err != nil {
			return "", err
		}
		if len(retry) > 0 {
			logrus.Infof("Dead-letter pass: retrying %d failed records (max %d attempts)", len(retry), o.deps.Progress.MaxRetries())
			o.runChunks(ctx, retry, true)
		}
		if o.Stopped() {
			return ReasonInterrupted, nil
		}
	}

	return ReasonCompleted, nil
}

// workingSet returns every input index, minus done and dead-lettered ones when
// resuming. Without resume the progress store is cleared first.
func (o *Orchestrator) workingSet(ctx context.Context) ([]int, error) {
	all := o.deps.Records.Indices()

	if !o.opts.Resume {
		if err := o.deps.Progress.Reset(ctx); err != nil {
			return nil, fmt.Errorf("failed to reset progress: %w", err)
		}
		logrus.Info("Resume disabled, progress reset")
		return all, nil
	}

	done, err := o.deps.Progress.DoneIndices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load done records: %w", err)
	}
	dead, err := o.deps.Progress.DeadLetteredIndices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}

	work := make([]int, 0, len(all))
	for _, idx := range all {
		if _, ok := done[idx]; ok {
			continue
		}
		if _, ok := dead[idx]; ok {
			continue
		}
		work = append(work, idx)
	}

	if skipped := len(all) - len(work); skipped > 0 {
		logrus.Infof("Resuming: %d records already done or dead-lettered, %d remaining", skipped, len(work))
	}
	return work, nil
}

func (o *Orchestrator) deadLetterSet(ctx context.Context) ([]int, error) {
	candidates, err := o.deps.Progress.DeadLetterCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dead-letter candidates: %w", err)
	}
	out := candidates[:0]
	for _, idx := range candidates {
		if _, ok := o.deps.Records.Get(idx); ok {
			out = append(out, idx)
		}
	}
	return out, nil
}

// runChunks feeds indices to the pool one chunk at a time, waiting for each
// chunk to drain before the next.
func (o *Orchestrator) runChunks(ctx context.Context, indices []int, retry bool) {
	for start := 0; start < len(indices); start += o.opts.ChunkSize {
		if o.Stopped() {
			logrus.Infof("Stopped before chunk at offset %d, %d records left", start, len(indices)-start)
			return
		}
		end := start + o.opts.ChunkSize
		if end > len(indices) {
			end = len(indices)
		}
		o.runChunk(ctx, indices[start:end], retry)
		logrus.Debugf("Chunk %d-%d finished", start, end)
	}
}

func (o *Orchestrator) runChunk(ctx context.Context, chunk []int, retry bool) {
	workers := o.opts.Workers
	if workers > len(chunk) {
		workers = len(chunk)
	}

	queue := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, i+1, queue, retry, &wg)
	}

	for _, idx := range chunk {
		if !queue.Push(idx) {
			logrus.Debugf("Record %d queued twice in one chunk, ignored", idx)
		}
	}
	queue.Stop()
	wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context, id int, queue *Queue, retry bool, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		index, ok := queue.Pop()
		if !ok {
			return
		}
		if o.Stopped() {
			logrus.Debugf("Worker %d: stop observed, %d queued records left", id, queue.Size()+1)
			return
		}

		start := time.Now()
		outcome := o.Process(ctx, index)
		if retry && outcome != OutcomeSkipped {
			o.deps.Tracker.IncrementDeadLetterRetried()
		}
		logrus.Debugf("Worker %d: record %d %s in %s", id, index, outcome, time.Since(start).Round(time.Millisecond))
	}
}

// Process runs one record end to end and persists its outcome. Records that
// are already done are skipped. A panic inside the task is recorded as a
// failure of that record only.
func (o *Orchestrator) Process(ctx context.Context, index int) (outcome Outcome) {
	done, err := o.deps.Progress.IsDone(ctx, index)
	if err != nil {
		logrus.Warnf("Record %d: progress lookup failed: %v", index, err)
	} else if done {
		return OutcomeSkipped
	}

	o.deps.Tracker.IncrementAttempted()
	meta := make(map[string]string)

	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("Record %d: panic: %v\n%s", index, r, debug.Stack())
			outcome = o.recordFailure(ctx, index, fmt.Sprintf("panic: %v", r), meta)
		}
	}()

	if err := o.process(ctx, index, meta); err != nil {
		logrus.Warnf("Record %d failed: %v", index, err)
		return o.recordFailure(ctx, index, err.Error(), meta)
	}
	return o.recordSuccess(ctx, index, meta)
}

func (o *Orchestrator) process(ctx context.Context, index int, meta map[string]string) error {
	rec, ok := o.deps.Records.Get(index)
	if !ok {
		return fmt.Errorf("record %d not found in input", index)
	}

	query, ok := o.deps.Queries.Build(rec)
	if !ok {
		return o.placeholder(ctx, rec, "", ErrNoQuery, meta)
	}
	meta["query"] = query

	entry, err := o.deps.Cache.Get(ctx, query)
	switch {
	case err != nil:
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		logrus.Warnf("Record %d: cache lookup failed: %v", index, err)
	case entry != nil:
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		o.deps.Tracker.IncrementCacheHit()
		meta["cache"] = "hit"
		logrus.Debugf("Record %d: cache hit for %q (hits=%d)", index, query, entry.HitCount)
		return o.finish(ctx, rec, query, assetFromEntry(entry), meta)
	default:
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	candidates := o.deps.Search.Search(ctx, query, o.opts.MaxResults)
	meta["candidates"] = strconv.Itoa(len(candidates))

	asset, err := o.acquireVerified(ctx, candidates, query, meta)
	if errors.Is(err, acquire.ErrExhausted) {
		return o.placeholder(ctx, rec, query, err, meta)
	}
	if err != nil {
		return err
	}

	if err := o.deps.Cache.Put(ctx, entryFromAsset(query, asset)); err != nil {
		logrus.Warnf("Record %d: cache write failed: %v", index, err)
	}

	return o.finish(ctx, rec, query, asset, meta)
}

// acquireVerified returns the first asset the verification gate accepts.
// Rejected assets are released so their hash and file do not leak. When every
// verified asset is rejected the best candidate is used unverified, unless
// RequireVerified is set.
func (o *Orchestrator) acquireVerified(ctx context.Context, candidates []search.Candidate, query string, meta map[string]string) (*acquire.Asset, error) {
	if o.deps.Verify == nil {
		return o.deps.Acquire.AcquireBest(ctx, candidates, o.opts.AssetDir, query, 0)
	}

	for skip := 0; skip < o.opts.MaxVerifyCandidates; skip++ {
		asset, err := o.deps.Acquire.AcquireBest(ctx, candidates, o.opts.AssetDir, query, skip)
		if err != nil {
			if skip > 0 && errors.Is(err, acquire.ErrExhausted) {
				break
			}
			return nil, err
		}

		verdict := o.deps.Verify.Check(ctx, asset.LocalPath, query)
		if verdict.Accepted {
			meta["verified"] = "true"
			meta["verify_score"] = strconv.FormatFloat(verdict.Score, 'f', 2, 64)
			return asset, nil
		}
		o.deps.Acquire.Release(asset)
	}

	if o.opts.RequireVerified {
		meta["verified"] = "false"
		return nil, fmt.Errorf("%w for %q: every verified candidate rejected", acquire.ErrExhausted, query)
	}

	logrus.Warnf("No verified asset for %q, using best unverified candidate", query)
	meta["verified"] = "false"
	return o.deps.Acquire.AcquireBest(ctx, candidates, o.opts.AssetDir, query, 0)
}

// finish applies background removal and hands the asset to the composer.
// Background removal failures fall back to the original asset.
func (o *Orchestrator) finish(ctx context.Context, rec records.Record, query string, asset *acquire.Asset, meta map[string]string) error {
	meta["asset_path"] = asset.LocalPath
	meta["source_url"] = asset.SourceURL
	meta["source"] = asset.SourceName
	meta["content_hash"] = asset.ContentHash

	final := asset.LocalPath
	if o.deps.Segment != nil {
		res, err := o.deps.Segment.RemoveBackground(ctx, final)
		switch {
		case err != nil:
			logrus.Warnf("Record %d: background removal failed, using original: %v", rec.Index, err)
		case !res.Success || res.Path == "":
			logrus.Warnf("Record %d: background removal unusable, using original", rec.Index)
		default:
			final = res.Path
			meta["background_removed"] = "true"
		}
	}
	meta["final_path"] = final

	if o.deps.Composer == nil {
		return nil
	}
	out := compose.OutputPath(o.opts.OutputDir, rec.Index, final)
	if err := o.deps.Composer.Compose(ctx, compose.Job{
		AssetPath:  final,
		Record:     rec,
		Query:      query,
		OutputPath: out,
	}); err != nil {
		return fmt.Errorf("failed to compose: %w", err)
	}
	meta["output_path"] = out
	return nil
}

// placeholder composes the placeholder image for a record without an asset.
// The record still fails so resume and the dead-letter pass retry it.
func (o *Orchestrator) placeholder(ctx context.Context, rec records.Record, query string, cause error, meta map[string]string) error {
	o.deps.Tracker.IncrementPlaceholder()
	meta["placeholder"] = "true"

	if o.opts.PlaceholderPath == "" || o.deps.Composer == nil {
		return cause
	}

	out := compose.OutputPath(o.opts.OutputDir, rec.Index, o.opts.PlaceholderPath)
	if err := o.deps.Composer.Compose(ctx, compose.Job{
		AssetPath:   o.opts.PlaceholderPath,
		Record:      rec,
		Query:       query,
		OutputPath:  out,
		Placeholder: true,
	}); err != nil {
		logrus.Warnf("Record %d: placeholder compose failed: %v", rec.Index, err)
		return cause
	}
	meta["output_path"] = out
	return cause
}

func (o *Orchestrator) recordSuccess(ctx context.Context, index int, meta map[string]string) Outcome {
	if err := o.deps.Progress.MarkDone(ctx, index, meta); err != nil {
		logrus.Errorf("Record %d: failed to write done: %v", index, err)
		return o.recordFailure(ctx, index, fmt.Sprintf("progress write: %v", err), meta)
	}
	o.deps.Tracker.IncrementSucceeded()
	logrus.Infof("Record %d done (query=%q)", index, meta["query"])
	return OutcomeDone
}

func (o *Orchestrator) recordFailure(ctx context.Context, index int, msg string, meta map[string]string) Outcome {
	o.deps.Tracker.IncrementFailed()
	dead, err := o.deps.Progress.MarkFailed(ctx, index, msg, meta)
	if err != nil {
		logrus.Errorf("Record %d: failed to write failure: %v", index, err)
		return OutcomeFailed
	}
	if dead {
		o.deps.Tracker.IncrementDeadLettered()
		logrus.Warnf("Record %d moved to dead letters: %s", index, msg)
		return OutcomeDeadLettered
	}
	return OutcomeFailed
}

func assetFromEntry(e *storage.CacheEntry) *acquire.Asset {
	return &acquire.Asset{
		LocalPath:   e.LocalPath,
		SourceURL:   e.SourceURL,
		ContentHash: e.ContentHash,
		Width:       e.Width,
		Height:      e.Height,
		ByteSize:    e.ByteSize,
		SourceName:  e.SourceName,
	}
}

func entryFromAsset(query string, a *acquire.Asset) storage.CacheEntry {
	return storage.CacheEntry{
		Query:       query,
		SourceURL:   a.SourceURL,
		LocalPath:   a.LocalPath,
		ContentHash: a.ContentHash,
		Width:       a.Width,
		Height:      a.Height,
		ByteSize:    a.ByteSize,
		SourceName:  a.SourceName,
	}
}
