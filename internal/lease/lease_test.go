package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements SET NX and the two scripts over a map.
type fakeRedis struct {
	mu   sync.Mutex
	now  time.Time
	keys map[string]entry
	fail error
}

type entry struct {
	val     string
	expires time.Time
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{now: time.Unix(0, 0), keys: map[string]entry{}}
}

func (f *fakeRedis) live(key string) (entry, bool) {
	e, ok := f.keys[key]
	if !ok || !f.now.Before(e.expires) {
		delete(f.keys, key)
		return entry{}, false
	}
	return e, true
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewBoolResult(false, f.fail)
	}
	if _, ok := f.live(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = entry{val: value.(string), expires: f.now.Add(exp)}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return redis.NewCmdResult(nil, f.fail)
	}
	e, ok := f.live(keys[0])
	if !ok || e.val != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case renewScript:
		e.expires = f.now.Add(time.Duration(args[1].(int64)) * time.Millisecond)
		f.keys[keys[0]] = e
	case releaseScript:
		delete(f.keys, keys[0])
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestRedis_ExclusiveOwnership(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	a := NewRedis(rdb, 10*time.Second, nil, WithOwner("a"))
	b := NewRedis(rdb, 10*time.Second, nil, WithOwner("b"))

	if ok, err := a.Acquire(ctx, "t1"); err != nil || !ok {
		t.Fatalf("a acquire = %v %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx, "t1"); ok {
		t.Fatalf("b acquired a held lease")
	}
	if ok, _ := a.Acquire(ctx, "t1"); !ok {
		t.Errorf("owner could not re-acquire its own lease")
	}
	if ok, _ := b.Renew(ctx, "t1"); ok {
		t.Errorf("b renewed a lease it does not hold")
	}
	if err := b.Release(ctx, "t1"); err != nil {
		t.Fatalf("b release: %v", err)
	}
	if ok, _ := b.Acquire(ctx, "t1"); ok {
		t.Errorf("foreign release freed the lease")
	}

	if err := a.Release(ctx, "t1"); err != nil {
		t.Fatalf("a release: %v", err)
	}
	if ok, _ := b.Acquire(ctx, "t1"); !ok {
		t.Errorf("b could not acquire a released lease")
	}
}

func TestRedis_ExpiryAndRenew(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	a := NewRedis(rdb, 10*time.Second, nil, WithOwner("a"))
	b := NewRedis(rdb, 10*time.Second, nil, WithOwner("b"))

	_, _ = a.Acquire(ctx, "t1")
	rdb.advance(8 * time.Second)
	if ok, _ := a.Renew(ctx, "t1"); !ok {
		t.Fatalf("renew failed")
	}
	rdb.advance(8 * time.Second)
	if ok, _ := b.Acquire(ctx, "t1"); ok {
		t.Fatalf("renewed lease expired early")
	}
	rdb.advance(3 * time.Second)
	if ok, _ := b.Acquire(ctx, "t1"); !ok {
		t.Fatalf("expired lease not acquirable")
	}
	if ok, _ := a.Renew(ctx, "t1"); ok {
		t.Errorf("a renewed a lease that moved to b")
	}
}

func TestRedis_Errors(t *testing.T) {
	rdb := newFakeRedis()
	rdb.fail = errors.New("connection refused")
	l := NewRedis(rdb, 0, nil)
	if l.TTL() != 30*time.Second {
		t.Errorf("default ttl = %v", l.TTL())
	}
	if _, err := l.Acquire(context.Background(), "t1"); err == nil {
		t.Errorf("acquire error swallowed")
	}
	if err := l.Release(context.Background(), "t1"); err == nil {
		t.Errorf("release error swallowed")
	}
}

func TestLocal(t *testing.T) {
	var l Lease = Local{}
	ok, err := l.Acquire(context.Background(), "any")
	if !ok || err != nil {
		t.Fatalf("local acquire = %v %v", ok, err)
	}
}
