// Package lease decides which process runs a tenant's executor when several
// processes share one job store.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease grants exclusive, expiring ownership of a tenant.
type Lease interface {
	// Acquire reports whether this process now owns the tenant.
	Acquire(ctx context.Context, tenantID string) (bool, error)
	// Renew extends ownership. False means it was lost.
	Renew(ctx context.Context, tenantID string) (bool, error)
	Release(ctx context.Context, tenantID string) error
	// TTL is how long ownership lasts without renewal.
	TTL() time.Duration
}

// Local is the single-process lease: every acquire succeeds.
type Local struct{}

func (Local) Acquire(context.Context, string) (bool, error) { return true, nil }
func (Local) Renew(context.Context, string) (bool, error)   { return true, nil }
func (Local) Release(context.Context, string) error         { return nil }
func (Local) TTL() time.Duration                            { return 0 }

// redisClient is the part of go-redis the lease uses.
type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Compare-and-act scripts so a process never touches a lease it lost.
const (
	renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`
)

// Redis holds tenant leases as keys set with NX and a TTL, valued with this
// process's owner token.
type Redis struct {
	client redisClient
	prefix string
	owner  string
	ttl    time.Duration
	logger *slog.Logger
}

type Option func(*Redis)

func WithPrefix(p string) Option {
	return func(r *Redis) {
		if p != "" {
			r.prefix = p
		}
	}
}

func WithOwner(token string) Option {
	return func(r *Redis) {
		if token != "" {
			r.owner = token
		}
	}
}

func NewRedis(client redisClient, ttl time.Duration, logger *slog.Logger, opts ...Option) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	r := &Redis{
		client: client,
		prefix: "extractor:lease:",
		owner:  uuid.New().String(),
		ttl:    ttl,
		logger: logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Dial connects to the Redis server at url (redis://...) and checks it answers.
func Dial(ctx context.Context, url string, ttl time.Duration, logger *slog.Logger, opts ...Option) (*Redis, *redis.Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	o.ReadTimeout = 5 * time.Second
	o.WriteTimeout = 5 * time.Second
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, ttl, logger, opts...), client, nil
}

func (r *Redis) key(tenantID string) string { return r.prefix + tenantID }

func (r *Redis) Owner() string      { return r.owner }
func (r *Redis) TTL() time.Duration { return r.ttl }

func (r *Redis) Acquire(ctx context.Context, tenantID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(tenantID), r.owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease for %s: %w", tenantID, err)
	}
	if ok {
		r.logger.Debug("lease.acquired", "tenant_id", tenantID, "ttl", r.ttl.String())
		return true, nil
	}
	// A restart of this process may find its own key still alive.
	return r.Renew(ctx, tenantID)
}

func (r *Redis) Renew(ctx context.Context, tenantID string) (bool, error) {
	n, err := r.client.Eval(ctx, renewScript, []string{r.key(tenantID)}, r.owner, r.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease for %s: %w", tenantID, err)
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, tenantID string) error {
	if err := r.client.Eval(ctx, releaseScript, []string{r.key(tenantID)}, r.owner).Err(); err != nil {
		return fmt.Errorf("release lease for %s: %w", tenantID, err)
	}
	r.logger.Debug("lease.released", "tenant_id", tenantID)
	return nil
}
