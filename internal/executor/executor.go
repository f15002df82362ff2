// Package executor runs one tenant's jobs: it claims work from the job queue,
// calls the model through the tenant's limiter, normalizes the reply and
// writes rows and batch status back to the record store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jbndrf/Tabtin-sub001/constants"
	"github.com/jbndrf/Tabtin-sub001/internal/common"
	"github.com/jbndrf/Tabtin-sub001/internal/convert"
	"github.com/jbndrf/Tabtin-sub001/internal/entity"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/llm"
	"github.com/jbndrf/Tabtin-sub001/internal/ratelimit"
	"github.com/jbndrf/Tabtin-sub001/internal/repository"
	"github.com/jbndrf/Tabtin-sub001/internal/storage"
)

// errDiscarded marks a job whose batch or row was deleted or reset while it
// ran. Its result is dropped and the job counts as done.
var errDiscarded = errors.New("target changed while processing")

// Config holds the executor's timing and the defaults used when tenant
// settings leave a value unset.
type Config struct {
	// Workers bounds jobs handled at once. Zero sizes it from the limiter.
	Workers      int
	PollInterval time.Duration
	// IdleTimeout stops the executor after this long without work. Zero never stops.
	IdleTimeout time.Duration
	// StaleAfter is how long a processing job may go untouched before
	// startup recovery re-queues it. Zero skips stale job recovery.
	StaleAfter time.Duration

	DefaultMaxConcurrency    int
	DefaultRequestsPerMinute int
	DefaultTimeout           time.Duration
}

// Deps are the collaborators an executor needs.
type Deps struct {
	Queue     *jobqueue.Queue
	Store     *repository.Store
	Blobs     storage.BlobStore
	Converter convert.Converter
	Client    llm.VisionClient
	Metrics   MetricsSink
	Events    EventSink
	Logger    *slog.Logger
}

// EventSink receives batch status changes. Publish must not block.
type EventSink interface {
	Publish(ev entity.BatchEvent)
}

type nopEvents struct{}

func (nopEvents) Publish(entity.BatchEvent) {}

// Stats is a snapshot of one executor.
type Stats struct {
	TenantID  string          `json:"tenant_id"`
	StartedAt time.Time       `json:"started_at"`
	LastJobAt *time.Time      `json:"last_job_at,omitempty"`
	InFlight  int64           `json:"in_flight"`
	Completed int64           `json:"completed"`
	Failed    int64           `json:"failed"`
	Retried   int64           `json:"retried"`
	Limiter   ratelimit.Stats `json:"limiter"`
}

type Executor struct {
	tenantID string
	cfg      Config
	deps     Deps
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	now   func() time.Time
	newID func() string

	wake chan struct{}

	// jobCtx outlives Run's context so in-flight jobs can finish after a stop request.
	jobCtx    context.Context
	abortJobs context.CancelFunc

	startedAt time.Time
	lastJob   atomic.Int64
	idleSince atomic.Int64
	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

type Option func(*Executor)

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// WithLimiter injects the limiter, mainly so tests can use a fake clock.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Executor) {
		if l != nil {
			e.limiter = l
		}
	}
}

func New(tenantID string, cfg Config, deps Deps, opts ...Option) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewRepositorySink(deps.Store.Metrics)
	}
	if deps.Events == nil {
		deps.Events = nopEvents{}
	}
	jobCtx, abort := context.WithCancel(context.Background())
	e := &Executor{
		tenantID: tenantID,
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("tenant_id", tenantID),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		wake:     make(chan struct{}, 1),

		jobCtx:    jobCtx,
		abortJobs: abort,
	}
	for _, o := range opts {
		o(e)
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New(ratelimit.Config{
			MaxConcurrency:    cfg.DefaultMaxConcurrency,
			RequestsPerMinute: cfg.DefaultRequestsPerMinute,
		})
	}
	return e
}

func (e *Executor) TenantID() string { return e.tenantID }

// Notify wakes an idle executor so newly enqueued work is claimed without
// waiting for the next poll.
func (e *Executor) Notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Abort cancels in-flight jobs. Run still waits for them to unwind.
func (e *Executor) Abort() { e.abortJobs() }

func (e *Executor) Stats() Stats {
	s := Stats{
		TenantID:  e.tenantID,
		StartedAt: e.startedAt,
		InFlight:  e.inFlight.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Retried:   e.retried.Load(),
		Limiter:   e.limiter.Stats(),
	}
	if ns := e.lastJob.Load(); ns > 0 {
		t := time.Unix(0, ns)
		s.LastJobAt = &t
	}
	return s
}

// Run recovers state left by a previous process, then claims and handles
// jobs until ctx is done or the idle timeout passes. It returns after every
// job it started has finished.
func (e *Executor) Run(ctx context.Context) error {
	e.startedAt = e.now()
	defer e.abortJobs()

	e.logger.Info("executor.start", "poll_interval", e.cfg.PollInterval.String(), "idle_timeout", e.cfg.IdleTimeout.String())
	if err := e.recoverState(ctx); err != nil {
		e.logger.Error("executor.recovery_failed", "error", err)
	}
	if _, err := e.refreshSettings(ctx); err != nil && !common.IsNotFound(err) {
		e.logger.Warn("executor.settings_unavailable", "error", err)
	}

	workers := e.cfg.Workers
	if workers <= 0 {
		workers = e.limiter.Config().MaxConcurrency
	}
	if workers <= 0 {
		workers = 1
	}
	slots := make(chan struct{}, workers)

	var wg sync.WaitGroup
	defer wg.Wait()

	e.idleSince.Store(e.now().UnixNano())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor.stop", "reason", "context_done")
			return nil
		case slots <- struct{}{}:
		}

		job, err := e.deps.Queue.ClaimNext(ctx, e.tenantID)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				continue
			}
			e.logger.Error("executor.claim_failed", "error", err)
			e.pause(ctx)
			continue
		}
		if job == nil {
			<-slots
			if idle := e.now().Sub(time.Unix(0, e.idleSince.Load())); e.cfg.IdleTimeout > 0 && e.inFlight.Load() == 0 && idle >= e.cfg.IdleTimeout {
				e.logger.Info("executor.stop", "reason", "idle", "idle_for", idle.String())
				return nil
			}
			e.pause(ctx)
			continue
		}

		e.inFlight.Add(1)
		wg.Add(1)
		go func(job *entity.Job) {
			defer wg.Done()
			defer func() { <-slots }()
			defer func() {
				e.inFlight.Add(-1)
				e.idleSince.Store(e.now().UnixNano())
			}()
			e.handle(job)
		}(job)
	}
}

func (e *Executor) pause(ctx context.Context) {
	t := time.NewTimer(e.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-e.wake:
	case <-t.C:
	}
}

// handle runs one claimed job and settles it in the queue. Every error of
// the job body ends up here.
func (e *Executor) handle(job *entity.Job) {
	ctx := common.WithJobID(common.WithTenantID(e.jobCtx, e.tenantID), job.ID)
	start := e.now()
	e.lastJob.Store(start.UnixNano())
	log := e.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts)
	log.Info("executor.job.start", "batch_id", job.BatchID)

	err := e.run(ctx, job)
	elapsed := e.now().Sub(start).Milliseconds()
	// Settle the job even when it was aborted.
	ctx = context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if cerr := e.deps.Queue.Complete(ctx, job.ID); cerr != nil {
			log.Error("executor.job.complete_failed", "error", cerr)
		}
		e.completed.Add(1)
		log.Info("executor.job.done", "elapsed_ms", elapsed)

	case errors.Is(err, errDiscarded):
		if cerr := e.deps.Queue.Complete(ctx, job.ID); cerr != nil {
			log.Error("executor.job.complete_failed", "error", cerr)
		}
		e.completed.Add(1)
		log.Info("executor.job.discarded", "reason", err.Error(), "elapsed_ms", elapsed)

	case common.IsContract(err):
		log.Error("executor.job.contract_error", "error", err, "elapsed_ms", elapsed)
		if _, ferr := e.deps.Queue.Fail(ctx, job.ID, err, false); ferr != nil {
			log.Error("executor.job.fail_failed", "error", ferr)
		}
		e.failed.Add(1)

	default:
		log.Warn("executor.job.error", "error", err, "malformed_reply", common.IsMalformed(err), "elapsed_ms", elapsed)
		status, ferr := e.deps.Queue.Fail(ctx, job.ID, err, true)
		if ferr != nil {
			log.Error("executor.job.fail_failed", "error", ferr)
		}
		switch status {
		case constants.JobStatusQueued:
			e.retried.Add(1)
			e.Notify()
		case constants.JobStatusFailed:
			e.failed.Add(1)
		}
	}
}

func (e *Executor) run(ctx context.Context, job *entity.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.ContractError(fmt.Sprintf("panic in %s job", job.Type), fmt.Errorf("%v", r))
		}
	}()

	switch job.Type {
	case constants.JobTypeProcessBatch:
		return e.processBatch(ctx, job)
	case constants.JobTypeProcessRedo:
		return e.processRedo(ctx, job)
	case constants.JobTypeReprocessBatch:
		return e.reprocessBatch(ctx, job)
	default:
		return common.ContractError(fmt.Sprintf("unknown job type %q", job.Type), nil)
	}
}

func (e *Executor) publish(ev entity.BatchEvent) {
	ev.TenantID = e.tenantID
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.deps.Events.Publish(ev)
}
