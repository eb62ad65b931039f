package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another holder owns the key.
var ErrNotObtained = errors.New("lock not obtained")

type Lease interface {
	Release(ctx context.Context) error
}

// Locker serialises sync passes for one shop. Two processes on the same
// device share the database file, so they must not push at the same time.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Local is an in-process locker. Leases expire after their ttl so a stuck
// holder cannot wedge sync forever.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]time.Time{}, now: time.Now}
}

func (l *Local) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, ErrNotObtained
	}
	l.held[key] = now.Add(ttl)
	return &localLease{owner: l, key: key, until: now.Add(ttl)}, nil
}

type localLease struct {
	owner *Local
	key   string
	until time.Time
}

func (ll *localLease) Release(_ context.Context) error {
	ll.owner.mu.Lock()
	defer ll.owner.mu.Unlock()
	// Only drop the entry if nobody re-obtained it after expiry.
	if until, ok := ll.owner.held[ll.key]; ok && until.Equal(ll.until) {
		delete(ll.owner.held, ll.key)
	}
	return nil
}

// Redis shares the lock across every process pointed at the same Redis.
type Redis struct {
	client *redislock.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: redislock.New(client)}
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lk, err := r.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, err
	}
	return redisLease{lk}, nil
}

type redisLease struct {
	lk *redislock.Lock
}

func (l redisLease) Release(ctx context.Context) error {
	err := l.lk.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// Key names the sync lock for a shop.
func Key(shopID string) string {
	return "shopsync:lock:" + shopID
}
