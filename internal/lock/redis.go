package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"visatrack/internal/engine"
)

const (
	DefaultPrefix = "visatrack:"
	DefaultTTL    = 30 * time.Second
	defaultRetry  = 25 * time.Millisecond
)

var _ engine.Locker = (*RedisLocker)(nil)

// RedisLocker is an owner lock shared by every process pointed at the same
// Redis. Keys look like <prefix>lock:<ownerID> and hold the token of the
// current holder. A held lock is renewed every ttl/3 until released.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: defaultRetry}
}

func (l *RedisLocker) key(ownerID string) string {
	return l.prefix + "lock:" + ownerID
}

var (
	// Returns 1 if acquired or already held by the token, 0 otherwise.
	acquireLua = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	redis.call('PSETEX', KEYS[1], tonumber(ARGV[2]), ARGV[1])
	return 1
end
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`)

	renewLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`)

	releaseLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)
)

// TryLock makes a single acquisition attempt. ok is false when another
// token holds the key.
func (l *RedisLocker) TryLock(ctx context.Context, ownerID, token string) (bool, error) {
	if ownerID == "" || token == "" {
		return false, errors.New("lock: owner and token are required")
	}
	n, err := acquireLua.Run(ctx, l.client, []string{l.key(ownerID)}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Unlock releases the key if token still holds it. Releasing a lock that
// expired or was never taken is not an error.
func (l *RedisLocker) Unlock(ctx context.Context, ownerID, token string) error {
	return releaseLua.Run(ctx, l.client, []string{l.key(ownerID)}, token).Err()
}

// Lock blocks until the owner lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, ownerID string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.TryLock(ctx, ownerID, token)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(ownerID, token, stop, done)

	return func() {
		close(stop)
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Unlock(ctx, ownerID, token)
	}, nil
}

func (l *RedisLocker) renew(ownerID, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := renewLua.Run(ctx, l.client, []string{l.key(ownerID)}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}
