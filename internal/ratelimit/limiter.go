// Package ratelimit bounds one executor's outbound model calls by concurrency
// and by a rolling one-minute request window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so the window can be tested without waiting.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config of a limiter. Zero or negative values disable the corresponding bound.
type Config struct {
	MaxConcurrency    int
	RequestsPerMinute int
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	MaxConcurrency    int `json:"max_concurrency"`
	RequestsPerMinute int `json:"requests_per_minute"`
	InFlight          int `json:"in_flight"`
	InWindow          int `json:"in_window"`
	Waiting           int `json:"waiting"`
}

type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	window  time.Duration
	clock   Clock
	active  int
	starts  []time.Time
	waiting int
	wake    chan struct{}
}

type Option func(*Limiter)

func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		window: time.Minute,
		clock:  realClock{},
		wake:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Execute blocks until a concurrency slot and a window token are both free,
// runs fn, and releases the slot. The window token is spent even if fn fails.
func (l *Limiter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return fn(ctx)
}

// Do is Execute for functions that return a value.
func Do[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Reconfigure swaps the bounds. In-flight calls keep running; waiters re-evaluate at once.
func (l *Limiter) Reconfigure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg == cfg {
		return
	}
	l.cfg = cfg
	l.broadcastLocked()
}

func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.clock.Now())
	return Stats{
		MaxConcurrency:    l.cfg.MaxConcurrency,
		RequestsPerMinute: l.cfg.RequestsPerMinute,
		InFlight:          l.active,
		InWindow:          len(l.starts),
		Waiting:           l.waiting,
	}
}

func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	for {
		now := l.clock.Now()
		l.pruneLocked(now)

		slotFree := l.cfg.MaxConcurrency <= 0 || l.active < l.cfg.MaxConcurrency
		tokenFree := l.cfg.RequestsPerMinute <= 0 || len(l.starts) < l.cfg.RequestsPerMinute
		if slotFree && tokenFree {
			l.active++
			if l.cfg.RequestsPerMinute > 0 {
				l.starts = append(l.starts, now)
			}
			l.mu.Unlock()
			return nil
		}

		var timer <-chan time.Time
		if slotFree && !tokenFree {
			// The oldest start leaves the window first.
			timer = l.clock.After(l.starts[0].Add(l.window).Sub(now))
		}
		wake := l.wake
		l.waiting++
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.waiting--
			l.mu.Unlock()
			return ctx.Err()
		case <-wake:
		case <-timer:
		}

		l.mu.Lock()
		l.waiting--
	}
}

func (l *Limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	l.broadcastLocked()
}

func (l *Limiter) broadcastLocked() {
	close(l.wake)
	l.wake = make(chan struct{})
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.starts) && !l.starts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.starts = append(l.starts[:0], l.starts[i:]...)
	}
}
