package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/transly/pkg/models"
)

const (
	defaultWorkers      = 2
	defaultPollInterval = 2 * time.Second
	defaultAbortGrace   = 10 * time.Second
	panicMessage        = "internal error"
	staleMessage        = "job timed out"
)

// Releaser returns a held credit reservation to its owner. It must be a
// no-op for reservations that are already settled.
type Releaser interface {
	Release(ctx context.Context, reservationID uuid.UUID) (bool, error)
}

// Processor runs one claimed job to a terminal state.
type Processor interface {
	Process(ctx context.Context, job *models.TranslationJob) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *models.TranslationJob) error

func (f ProcessorFunc) Process(ctx context.Context, job *models.TranslationJob) error {
	return f(ctx, job)
}

// PoolConfig sizes the worker pool. The janitor runs every JanitorInterval
// when Retention or Lease is set. Processing jobs not updated within Lease
// are failed and their reservations handed to Releaser.
type PoolConfig struct {
	Workers         int
	PollInterval    time.Duration
	Retention       time.Duration
	Lease           time.Duration
	Releaser        Releaser
	JanitorInterval time.Duration
	// AbortGrace bounds the wait for cancelled jobs to record their
	// failure after the shutdown deadline.
	AbortGrace time.Duration
}

// Pool drains a Queue with a fixed number of workers. Each job is owned by
// one worker from claim to terminal state.
type Pool struct {
	q        *Queue
	cfg      PoolConfig
	log      *slog.Logger
	instance string

	mu         sync.Mutex
	started    bool
	stop       chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	cancelOnce sync.Once
}

// NewPool creates a Pool over q.
func NewPool(q *Queue, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = defaultAbortGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		q:        q,
		cfg:      cfg,
		log:      logger,
		instance: uuid.NewString()[:8],
		stop:     make(chan struct{}),
	}
}

// Start launches the workers and, if configured, the janitor.
func (p *Pool) Start(ctx context.Context, proc Processor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, proc, fmt.Sprintf("%s-%d", p.instance, i))
	}
	if (p.cfg.Retention > 0 || p.cfg.Lease > 0) && p.cfg.JanitorInterval > 0 {
		p.wg.Add(1)
		go p.janitor(ctx)
	}
	p.started = true
	p.log.Info("worker pool started", "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval)
	return nil
}

func (p *Pool) worker(ctx context.Context, proc Processor, id string) {
	defer p.wg.Done()
	log := p.log.With("worker", id)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			log.Debug("worker stopping")
			return
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		default:
		}

		job, err := p.q.Claim(ctx, id)
		if err == nil {
			p.run(ctx, log, proc, job)
			continue
		}
		if !errors.Is(err, ErrEmpty) && ctx.Err() == nil {
			log.Error("claim failed", "error", err)
		}

		timer.Reset(p.cfg.PollInterval)
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-p.q.Wake():
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, log *slog.Logger, proc Processor, job *models.TranslationJob) {
	jobLog := log.With("job_id", job.ID)
	jobLog.Info("processing job", "kind", job.Kind)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			jobLog.Error("job processing panicked", "panic", rec, "stack", string(debug.Stack()))
			if _, err := p.q.Fail(context.WithoutCancel(ctx), job.ID, panicMessage); err != nil {
				jobLog.Error("failed to mark panicked job", "error", err)
			}
		}
	}()

	if err := proc.Process(ctx, job); err != nil {
		jobLog.Error("job processing failed", "error", err, "duration", time.Since(start))
		return
	}
	jobLog.Info("job processed", "duration", time.Since(start))
}

func (p *Pool) janitor(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	if p.cfg.Lease > 0 {
		p.reapStale(ctx)
	}
	if p.cfg.Retention > 0 {
		n, err := p.q.PurgeExpired(ctx, time.Now().Add(-p.cfg.Retention))
		if err != nil {
			p.log.Error("purge expired jobs failed", "error", err)
			return
		}
		if n > 0 {
			p.log.Info("purged expired jobs", "count", n)
		}
	}
}

// reapStale recovers jobs left in processing by a crashed worker or a
// failed terminal write.
func (p *Pool) reapStale(ctx context.Context) {
	jobs, err := p.q.FailStale(ctx, time.Now().Add(-p.cfg.Lease), staleMessage)
	if err != nil {
		p.log.Error("fail stale jobs failed", "error", err)
		return
	}
	if p.cfg.Releaser == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	for _, job := range jobs {
		if job.ReservationID == nil {
			continue
		}
		if _, err := p.cfg.Releaser.Release(bg, *job.ReservationID); err != nil {
			p.log.Error("release stale reservation failed",
				"job_id", job.ID, "reservation_id", *job.ReservationID, "error", err)
		}
	}
}

// Shutdown stops claiming new jobs and waits up to deadline for in-flight
// jobs to finish. Jobs still running at the deadline have their context
// cancelled and get AbortGrace to record their failure before Shutdown
// returns.
func (p *Pool) Shutdown(deadline time.Duration) {
	p.cancelOnce.Do(func() {
		close(p.stop)

		done := make(chan struct{})
		go func() {
			defer close(done)
			p.wg.Wait()
		}()

		defer func() {
			if p.cancel != nil {
				p.cancel()
			}
		}()

		if deadline <= 0 {
			<-done
			return
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			p.log.Warn("pool shutdown deadline reached; cancelling in-flight jobs")
			if p.cancel != nil {
				p.cancel()
			}
			grace := time.NewTimer(p.cfg.AbortGrace)
			defer grace.Stop()
			select {
			case <-done:
			case <-grace.C:
				p.log.Error("workers did not stop within abort grace", "grace", p.cfg.AbortGrace)
			}
		}
	})
}
