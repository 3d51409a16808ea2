package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when another run already owns the lock.
var ErrLockHeld = errors.New("run lock is held")

// Lock is a held lock. Release is safe to call more than once.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive, expiring locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// CheckAllKey is the lock key guarding a full check for one user.
func CheckAllKey(userID string) string {
	return "alerts:check_all:" + userID
}

// New returns a Redis locker when Redis is enabled, otherwise an in-process one.
func New(ctx context.Context, cfg config.RedisConfig) (Locker, func() error, error) {
	if !cfg.Enabled {
		return NewLocalLocker(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("Redis run lock enabled", zap.String("addr", cfg.Addr))
	return NewRedisLocker(client), client.Close, nil
}

// 仅当值仍是自己的 token 时才删除，避免释放过期后被他人重新持有的锁
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLock{client: l.client, key: key, token: token}, nil
}

type redisLock struct {
	client redis.UniversalClient
	key    string
	token  string
	once   sync.Once
}

func (l *redisLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
		if err != nil {
			err = fmt.Errorf("failed to release lock %s: %w", l.key, err)
		}
	})
	return err
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	clock func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]localEntry),
		clock: time.Now,
	}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{owner: l, key: key, token: token}, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	token string
}

func (l *localLock) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.held[l.key]; ok && e.token == l.token {
		delete(l.owner.held, l.key)
	}
	return nil
}
