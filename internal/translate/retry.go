package translate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// RetryPolicy bounds the attempts made for a single chunk.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// RetryDelay is the wait before the first retry.
	RetryDelay time.Duration
	// Multiplier grows the delay between retries. Values below 1 mean a constant delay.
	Multiplier float64
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// Jitter randomises each wait by +/- this fraction.
	Jitter float64
	// AttemptTimeout bounds each upstream call on its own.
	AttemptTimeout time.Duration
}

// Retrier wraps a Translator with bounded retry and exponential backoff.
// Retryable failures are retried up to MaxRetries times; fatal failures
// return at once. It holds no per-call state and is safe for concurrent use.
type Retrier struct {
	client  models.Translator
	policy  RetryPolicy
	observe func(models.ChunkTranslationAttempt)
}

type RetrierOption func(*Retrier)

// WithAttemptObserver registers fn to be called after every upstream attempt.
// fn may be called concurrently for different chunks.
func WithAttemptObserver(fn func(models.ChunkTranslationAttempt)) RetrierOption {
	return func(r *Retrier) { r.observe = fn }
}

// NewRetrier creates a Retrier around client.
func NewRetrier(client models.Translator, policy RetryPolicy, opts ...RetrierOption) *Retrier {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	r := &Retrier{client: client, policy: policy}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the wrapped provider's name.
func (r *Retrier) Name() string { return r.client.Name() }

// Translate translates one chunk. On failure the returned error is an
// *ExhaustedError carrying the last upstream error, unless ctx was cancelled.
func (r *Retrier) Translate(ctx context.Context, chunkIndex int, req models.TranslationRequest) (string, error) {
	var (
		result   string
		attempts int
		lastErr  error
	)

	op := func() error {
		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.AttemptTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		}
		start := time.Now()
		text, err := r.client.Translate(callCtx, req)
		cancel()

		r.report(models.ChunkTranslationAttempt{
			ChunkIndex:    chunkIndex,
			AttemptNumber: attempts,
			Outcome:       Classify(err),
			Latency:       time.Since(start),
			Err:           err,
		})

		if err == nil {
			result = text
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, r.newBackOff(ctx, &lastErr)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("translation cancelled after %d attempt(s): %w", attempts, ctxErr)
		}
		if lastErr == nil {
			lastErr = err
		}
		return "", &ExhaustedError{Attempts: attempts, Err: lastErr}
	}
	return result, nil
}

func (r *Retrier) report(a models.ChunkTranslationAttempt) {
	if r.observe != nil {
		r.observe(a)
	}
}

func (r *Retrier) newBackOff(ctx context.Context, lastErr *error) backoff.BackOff {
	if r.policy.MaxRetries == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	mult := r.policy.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxDelay := r.policy.MaxDelay
	if maxDelay < r.policy.RetryDelay {
		maxDelay = r.policy.RetryDelay
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.RetryDelay,
		RandomizationFactor: r.policy.Jitter,
		Multiplier:          mult,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	b := &rateLimitBackOff{BackOff: exp, lastErr: lastErr, maxDelay: maxDelay}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxRetries)), ctx)
}

// rateLimitBackOff doubles the wait after a rate-limited response.
type rateLimitBackOff struct {
	backoff.BackOff
	lastErr  *error
	maxDelay time.Duration
}

func (b *rateLimitBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || b.lastErr == nil || !errors.Is(*b.lastErr, ErrRateLimited) {
		return next
	}
	next *= 2
	if b.maxDelay > 0 && next > 2*b.maxDelay {
		next = 2 * b.maxDelay
	}
	return next
}
