package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"visatrack/internal/db"
	"visatrack/internal/lock"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	redisC, err := testcontainers.Run(
		ctx, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections")),
	)
	testcontainers.CleanupContainer(t, redisC)
	require.NoError(t, err)

	endpoint, err := redisC.Endpoint(ctx, "")
	require.NoError(t, err)
	client, err := db.OpenRedis(ctx, db.RedisConfig{Addr: endpoint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

const testPrefix = "vt:test:"

type RedisLockerSuite struct {
	suite.Suite
	client *redis.Client
	ctx    context.Context
}

func TestRedisLockerSuite(t *testing.T) {
	s := new(RedisLockerSuite)
	s.client = startRedis(t)
	s.ctx = context.Background()
	suite.Run(t, s)
}

func (s *RedisLockerSuite) SetupTest() {
	iter := s.client.Scan(s.ctx, 0, testPrefix+"*", 0).Iterator()
	for iter.Next(s.ctx) {
		s.Require().NoError(s.client.Del(s.ctx, iter.Val()).Err())
	}
	s.Require().NoError(iter.Err())
}

func (s *RedisLockerSuite) TestTryLockIsExclusivePerToken() {
	ctx := s.ctx
	l := lock.NewRedisLocker(s.client, testPrefix, time.Second)
	ok, err := l.TryLock(ctx, "c1", "a")
	s.Require().NoError(err)
	s.True(ok)

	ok, err = l.TryLock(ctx, "c1", "b")
	s.Require().NoError(err)
	s.False(ok)

	ok, err = l.TryLock(ctx, "c1", "a")
	s.Require().NoError(err)
	s.True(ok, "holder may refresh")

	s.Require().NoError(l.Unlock(ctx, "c1", "b"))
	ok, err = l.TryLock(ctx, "c1", "b")
	s.Require().NoError(err)
	s.False(ok, "foreign unlock is ignored")

	s.Require().NoError(l.Unlock(ctx, "c1", "a"))
	ok, err = l.TryLock(ctx, "c1", "b")
	s.Require().NoError(err)
	s.True(ok)
	s.Require().NoError(l.Unlock(ctx, "c1", "b"))

	_, err = l.TryLock(ctx, "", "a")
	s.Error(err)
}

func (s *RedisLockerSuite) TestExpiredLockCanBeTaken() {
	l := lock.NewRedisLocker(s.client, testPrefix, 200*time.Millisecond)
	ok, err := l.TryLock(s.ctx, "c1", "a")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Eventually(func() bool {
		ok, err := l.TryLock(s.ctx, "c1", "b")
		return err == nil && ok
	}, 3*time.Second, 50*time.Millisecond)
}

func (s *RedisLockerSuite) TestLockersShareOwners() {
	// two lockers stand in for two processes
	lockers := []*lock.RedisLocker{
		lock.NewRedisLocker(s.client, testPrefix, 5*time.Second),
		lock.NewRedisLocker(s.client, testPrefix, 5*time.Second),
	}
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(l *lock.RedisLocker) {
			defer wg.Done()
			unlock, err := l.Lock(s.ctx, "c1")
			if !s.NoError(err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}(lockers[i%2])
	}
	wg.Wait()
	s.Equal(int32(1), maxInside)
}

func (s *RedisLockerSuite) TestLockGivesUpWhenContextEnds() {
	l := lock.NewRedisLocker(s.client, testPrefix, 5*time.Second)
	unlock, err := l.Lock(s.ctx, "c1")
	s.Require().NoError(err)
	defer unlock()

	waitCtx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "c1")
	s.Error(err)

	other, err := l.Lock(s.ctx, "c2")
	s.Require().NoError(err)
	other()
}
