// Package orchestrator keeps one running executor per tenant with queued work.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jbndrf/Tabtin-sub001/internal/executor"
	"github.com/jbndrf/Tabtin-sub001/internal/jobqueue"
	"github.com/jbndrf/Tabtin-sub001/internal/lease"
	"github.com/jbndrf/Tabtin-sub001/internal/observability"
)

var (
	ErrNotStarted = errors.New("orchestrator not started")
	ErrStopped    = errors.New("orchestrator stopped")
)

// Worker is a running tenant executor as the pool sees it.
type Worker interface {
	Run(ctx context.Context) error
	Notify()
	Abort()
	Stats() executor.Stats
}

// Factory builds the worker for a tenant.
type Factory func(tenantID string) Worker

type Config struct {
	DiscoveryInterval time.Duration
	// PurgeInterval and Retention drive cleanup of finished jobs. Zero
	// retention disables it.
	PurgeInterval time.Duration
	Retention     time.Duration
	// RecoveryInterval paces the sweep that re-queues jobs orphaned by a dead
	// process. It also runs once at Start.
	RecoveryInterval time.Duration
}

type handle struct {
	worker  Worker
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

type Orchestrator struct {
	cfg     Config
	queue   *jobqueue.Queue
	factory Factory
	lease   lease.Lease
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	workers  map[string]*handle
	ctx      context.Context
	cancel   context.CancelFunc
	stopped  bool
	loopDone chan struct{}
}

type Option func(*Orchestrator)

func WithLease(l lease.Lease) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.lease = l
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(cfg Config, queue *jobqueue.Queue, factory Factory, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Second
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		queue:   queue,
		factory: factory,
		lease:   lease.Local{},
		logger:  logger,
		workers: make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start runs discovery until Stop. Executors live under parent.
func (o *Orchestrator) Start(parent context.Context) {
	o.mu.Lock()
	if o.ctx != nil {
		o.mu.Unlock()
		return
	}
	o.ctx, o.cancel = context.WithCancel(parent)
	o.loopDone = make(chan struct{})
	ctx := o.ctx
	o.mu.Unlock()

	o.logger.Info("orchestrator.start", "discovery_interval", o.cfg.DiscoveryInterval.String())
	go o.loop(ctx)
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.loopDone)
	discover := time.NewTicker(o.cfg.DiscoveryInterval)
	defer discover.Stop()
	purge := time.NewTicker(o.cfg.PurgeInterval)
	defer purge.Stop()
	recovery := time.NewTicker(o.cfg.RecoveryInterval)
	defer recovery.Stop()

	o.recoverOrphans(ctx)
	o.discover(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-discover.C:
			o.discover(ctx)
		case <-recovery.C:
			o.recoverOrphans(ctx)
		case <-purge.C:
			o.purge(ctx)
		}
	}
}

// recoverOrphans re-queues in-flight jobs of tenants that no executor owns,
// neither here (no local worker) nor elsewhere (the lease is free). Such jobs
// were claimed by a process that died. The cutoff is taken before the worker
// check so a job claimed by a worker started meanwhile is left alone.
func (o *Orchestrator) recoverOrphans(ctx context.Context) {
	tenants, err := o.queue.TenantsInFlight(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("orchestrator.recovery.list_failed", "error", err)
		}
		return
	}
	for _, t := range tenants {
		cutoff := time.Now()
		if o.Running(t) {
			continue
		}
		owned, err := o.lease.Acquire(ctx, t)
		if err != nil {
			o.logger.Warn("orchestrator.recovery.lease_failed", "tenant_id", t, "error", err)
			continue
		}
		if !owned {
			continue
		}
		n, err := o.queue.RecoverClaimedBefore(ctx, t, cutoff)
		o.releaseLease(t)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Error("orchestrator.recovery.failed", "tenant_id", t, "error", err)
			}
			continue
		}
		if n == 0 {
			continue
		}
		o.logger.Warn("orchestrator.recovery.jobs_requeued", "tenant_id", t, "count", n)
		// The executor resets batches left in processing when it starts.
		if err := o.EnsureWorkerFor(ctx, t); err != nil && !errors.Is(err, ErrStopped) {
			o.logger.Error("orchestrator.start_failed", "tenant_id", t, "error", err)
		}
	}
}

func (o *Orchestrator) discover(ctx context.Context) {
	tenants, err := o.queue.TenantsWithWork(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("orchestrator.discover_failed", "error", err)
		}
		return
	}
	for _, t := range tenants {
		if err := o.EnsureWorkerFor(ctx, t); err != nil && !errors.Is(err, ErrStopped) {
			o.logger.Error("orchestrator.start_failed", "tenant_id", t, "error", err)
		}
	}
}

func (o *Orchestrator) purge(ctx context.Context) {
	if o.cfg.Retention <= 0 {
		return
	}
	if _, err := o.queue.PurgeFinished(ctx, o.cfg.Retention); err != nil && ctx.Err() == nil {
		o.logger.Error("orchestrator.purge_failed", "error", err)
	}
}

// EnsureWorkerFor starts the tenant's executor if none is running and wakes
// it otherwise. Call it right after enqueueing to skip the discovery delay.
func (o *Orchestrator) EnsureWorkerFor(ctx context.Context, tenantID string) error {
	o.mu.Lock()
	if o.ctx == nil {
		o.mu.Unlock()
		return ErrNotStarted
	}
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if h, ok := o.workers[tenantID]; ok {
		o.mu.Unlock()
		h.worker.Notify()
		return nil
	}
	o.mu.Unlock()

	// Lease calls may block on the network, so they run outside the lock.
	owned, err := o.lease.Acquire(ctx, tenantID)
	if err != nil {
		return err
	}
	if !owned {
		o.logger.Debug("orchestrator.lease_held_elsewhere", "tenant_id", tenantID)
		return nil
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.releaseLease(tenantID)
		return ErrStopped
	}
	if h, ok := o.workers[tenantID]; ok {
		o.mu.Unlock()
		h.worker.Notify()
		return nil
	}
	o.spawnLocked(tenantID)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) spawnLocked(tenantID string) {
	wctx, cancel := context.WithCancel(o.ctx)
	h := &handle{
		worker:  o.factory(tenantID),
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	o.workers[tenantID] = h
	o.gauge()
	if o.metrics != nil {
		o.metrics.WorkerStarts.Inc()
	}
	o.logger.Info("orchestrator.executor.start", "tenant_id", tenantID, "running", len(o.workers))

	go o.renew(wctx, tenantID, h)
	go func() {
		defer close(h.done)
		err := h.worker.Run(wctx)
		cancel()

		o.mu.Lock()
		if o.workers[tenantID] == h {
			delete(o.workers, tenantID)
		}
		running := len(o.workers)
		o.gauge()
		o.mu.Unlock()

		o.releaseLease(tenantID)
		if err != nil {
			o.logger.Error("orchestrator.executor.exit", "tenant_id", tenantID, "error", err, "running", running, "uptime", time.Since(h.started).String())
			return
		}
		o.logger.Info("orchestrator.executor.exit", "tenant_id", tenantID, "running", running, "uptime", time.Since(h.started).String())
	}()
}

// renew keeps the lease alive while the executor runs and stops the executor
// once the lease is lost.
func (o *Orchestrator) renew(ctx context.Context, tenantID string, h *handle) {
	ttl := o.lease.TTL()
	if ttl <= 0 {
		return
	}
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := o.lease.Renew(ctx, tenantID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				o.logger.Warn("orchestrator.lease.renew_failed", "tenant_id", tenantID, "error", err)
				continue
			}
			if !ok {
				o.logger.Warn("orchestrator.lease.lost", "tenant_id", tenantID)
				h.cancel()
				return
			}
		}
	}
}

func (o *Orchestrator) releaseLease(tenantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.lease.Release(ctx, tenantID); err != nil {
		o.logger.Warn("orchestrator.lease.release_failed", "tenant_id", tenantID, "error", err)
	}
}

func (o *Orchestrator) gauge() {
	if o.metrics != nil {
		o.metrics.Workers.Set(float64(len(o.workers)))
	}
}

// Running reports whether tenantID has a live executor.
func (o *Orchestrator) Running(tenantID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.workers[tenantID]
	return ok
}

// Workers snapshots every live executor, ordered by tenant.
func (o *Orchestrator) Workers() []executor.Stats {
	o.mu.Lock()
	list := make([]Worker, 0, len(o.workers))
	for _, h := range o.workers {
		list = append(list, h.worker)
	}
	o.mu.Unlock()

	out := make([]executor.Stats, 0, len(list))
	for _, w := range list {
		out = append(out, w.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Stop halts discovery, asks every executor to finish its in-flight jobs and
// waits for them. When ctx expires first, in-flight jobs are aborted and the
// context error is returned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.ctx == nil || o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.cancel()
	handles := make([]*handle, 0, len(o.workers))
	for _, h := range o.workers {
		handles = append(handles, h)
	}
	loopDone := o.loopDone
	o.mu.Unlock()

	o.logger.Info("orchestrator.stopping", "executors", len(handles))
	<-loopDone

	all := make(chan struct{})
	go func() {
		for _, h := range handles {
			<-h.done
		}
		close(all)
	}()

	select {
	case <-all:
		o.logger.Info("orchestrator.stopped")
		return nil
	case <-ctx.Done():
		o.logger.Warn("orchestrator.stop_deadline", "error", ctx.Err())
		for _, h := range handles {
			h.worker.Abort()
		}
		<-all
		return ctx.Err()
	}
}
