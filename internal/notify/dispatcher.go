// Package notify fans batch status events out to live listeners.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

// Publisher delivers one event to a destination.
type Publisher interface {
	Publish(ctx context.Context, ev entity.BatchEvent) error
}

// Dispatcher queues events and delivers them to every publisher from a small
// worker pool, so a slow destination never holds up a job.
type Dispatcher struct {
	pubs    []Publisher
	logger  *slog.Logger
	workers int
	timeout time.Duration
	onDrop  func()

	ch   chan entity.BatchEvent
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.ch = make(chan entity.BatchEvent, n)
		}
	}
}

func WithPublishTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithDropHook is called for every event dropped on a full queue.
func WithDropHook(fn func()) Option {
	return func(d *Dispatcher) { d.onDrop = fn }
}

func NewDispatcher(logger *slog.Logger, pubs []Publisher, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		pubs:    pubs,
		logger:  logger,
		workers: 2,
		timeout: 5 * time.Second,
		ch:      make(chan entity.BatchEvent, 256),
	}
	for _, o := range opts {
		o(d)
	}
	d.start()
	return d
}

func (d *Dispatcher) start() {
	d.once.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go func(workerID int) {
				defer d.wg.Done()
				for ev := range d.ch {
					d.deliver(workerID, ev)
				}
			}(i + 1)
		}
	})
}

func (d *Dispatcher) deliver(workerID int, ev entity.BatchEvent) {
	for _, p := range d.pubs {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := p.Publish(ctx, ev)
		cancel()
		if err != nil {
			d.logger.Warn("notify.publish_failed",
				"worker_id", workerID,
				"publisher", publisherName(p),
				"batch_id", ev.BatchID,
				"status", ev.Status,
				"error", err,
			)
		}
	}
}

// Publish queues ev. It never blocks: on a full queue or after Shutdown the
// event is dropped.
func (d *Dispatcher) Publish(ev entity.BatchEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.logger.Debug("notify.closed_drop", "batch_id", ev.BatchID)
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.logger.Warn("notify.queue_full_drop", "batch_id", ev.BatchID, "status", ev.Status)
		if d.onDrop != nil {
			d.onDrop()
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); d.wg.Wait() }()

	select {
	case <-ctx.Done():
		d.logger.Warn("notify.shutdown_interrupted")
	case <-done:
		d.logger.Info("notify.drained")
	}
}

type named interface{ Name() string }

func publisherName(p Publisher) string {
	if n, ok := p.(named); ok {
		return n.Name()
	}
	return "publisher"
}
