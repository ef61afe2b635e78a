// Package scheduler drives per-chunk work in ordered batches with bounded
// concurrency. Batches of BatchSize chunks are grouped ConcurrentBatches at a
// time; a group runs concurrently, waits, reports progress and pauses for
// InterBatchDelay before the next group starts. A semaphore shared by every
// Run call caps the requests in flight across all jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Progress bounds. Setup owns the first 10%, finalisation the last 10%.
const (
	ProgressStart = 10
	ProgressSpan  = 80
)

// TranslateFunc handles one chunk. index is the chunk's position in the input.
type TranslateFunc func(ctx context.Context, index int, text string) (string, error)

// ProgressFunc is called once after each group of batches finishes.
type ProgressFunc func(Progress)

// Progress is a snapshot taken between groups.
type Progress struct {
	Completed  int
	Total      int
	Percentage int
	// Chunks holds the output for finished chunks and nil for the rest.
	Chunks []*string
}

// Result is the outcome for one chunk. When Err is set, Text holds the
// failure marker that takes the chunk's place.
type Result struct {
	Text string
	Err  error
}

func (r Result) Failed() bool { return r.Err != nil }

// AbortError is returned under fail-fast when a chunk cannot be translated.
type AbortError struct {
	Index int
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("chunk %d failed: %v", e.Index, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// ErrChunkPanic wraps a panic raised while translating a chunk.
var ErrChunkPanic = errors.New("chunk translation panicked")

// FailureMarker is the inline placeholder for an untranslated chunk.
func FailureMarker(reason string) string {
	return "[translation failed: " + reason + "]"
}

type Options struct {
	BatchSize             int
	ConcurrentBatches     int
	MaxConcurrentRequests int
	InterBatchDelay       time.Duration
	FailFast              bool
	// Describe turns a chunk error into the reason shown in its marker.
	Describe func(error) string
}

type Scheduler struct {
	opts Options
	sem  *semaphore.Weighted
}

// New creates a Scheduler. Non-positive sizes fall back to 1.
func New(opts Options) *Scheduler {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.ConcurrentBatches < 1 {
		opts.ConcurrentBatches = 1
	}
	if opts.MaxConcurrentRequests < 1 {
		opts.MaxConcurrentRequests = 1
	}
	if opts.Describe == nil {
		opts.Describe = func(err error) string { return err.Error() }
	}
	return &Scheduler{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.MaxConcurrentRequests)),
	}
}

// FailFast reports whether a chunk failure aborts the run.
func (s *Scheduler) FailFast() bool { return s.opts.FailFast }

// Run translates chunks and returns one Result per chunk in input order.
// Under fail-fast the first chunk failure stops the run with an *AbortError;
// otherwise failures are recorded as markers and the run continues. A
// cancelled ctx stops the run with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, chunks []string, fn TranslateFunc, onProgress ProgressFunc) ([]Result, error) {
	results := make([]Result, len(chunks))
	done := make([]atomic.Bool, len(chunks))
	total := len(chunks)
	if total == 0 {
		return results, nil
	}

	groupSize := s.opts.BatchSize * s.opts.ConcurrentBatches
	completed := 0

	for start := 0; start < total; start += groupSize {
		end := min(start+groupSize, total)

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := s.sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer s.sem.Release(1)

				text, err := call(gctx, fn, i, chunks[i])
				if err == nil {
					results[i] = Result{Text: text}
					done[i].Store(true)
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if s.opts.FailFast {
					return &AbortError{Index: i, Err: err}
				}
				results[i] = Result{Text: FailureMarker(s.opts.Describe(err)), Err: err}
				done[i].Store(true)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			var abort *AbortError
			if errors.As(err, &abort) {
				return results, abort
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, ctxErr
			}
			return results, err
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		completed = end
		if onProgress != nil {
			onProgress(snapshot(results, done, completed, total))
		}

		if end < total && s.opts.InterBatchDelay > 0 {
			timer := time.NewTimer(s.opts.InterBatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return results, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return results, nil
}

// call runs fn and turns a panic into an error so one bad chunk cannot
// take down the process.
func call(ctx context.Context, fn TranslateFunc, i int, text string) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrChunkPanic, rec)
		}
	}()
	return fn(ctx, i, text)
}

// Percentage maps completed chunks onto the 10..90 band.
func Percentage(completed, total int) int {
	if total <= 0 {
		return ProgressStart + ProgressSpan
	}
	return ProgressStart + completed*ProgressSpan/total
}

func snapshot(results []Result, done []atomic.Bool, completed, total int) Progress {
	chunks := make([]*string, len(results))
	for i := range results {
		if done[i].Load() {
			text := results[i].Text
			chunks[i] = &text
		}
	}
	return Progress{
		Completed:  completed,
		Total:      total,
		Percentage: Percentage(completed, total),
		Chunks:     chunks,
	}
}
