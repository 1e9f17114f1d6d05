package polybase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultMigrationLockTTL bounds how long a crashed process can hold a project's
// migration lock.
const DefaultMigrationLockTTL = time.Hour

// Locker grants exclusive, expiring ownership of a key.
//
// Lock never blocks waiting for a holder: it fails with ErrConflict when the key
// is taken. The returned release function must be called and is safe to call twice.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// LocalLocker serializes holders within one process.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localLease
	now   func() time.Time
	epoch uint64
}

type localLease struct {
	id      uint64
	expires time.Time
}

// NewLocalLocker creates an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), now: time.Now}
}

// Lock takes key unless an unexpired lease holds it.
func (l *LocalLocker) Lock(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, lockHeld(key, ttl)
	}
	l.epoch++
	id := l.epoch
	l.held[key] = localLease{id: id, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.held[key]; ok && lease.id == id {
			delete(l.held, key)
		}
	}, nil
}

// RedisLocker coordinates holders across processes sharing one Redis.
type RedisLocker struct {
	redis     *redis.Client
	keyPrefix string
}

// NewRedisLocker creates a Locker whose keys live under keyPrefix.
func NewRedisLocker(client *redis.Client, keyPrefix string) *RedisLocker {
	return &RedisLocker{redis: client, keyPrefix: keyPrefix}
}

// releaseScript deletes the lock only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock acquires key with SET NX and a random owner token.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lockKey := fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
	token := NewID()

	ok, err := l.redis.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, Wrap(ErrBackendUnavailable, err, map[string]interface{}{
			"key": key,
		})
	}
	if !ok {
		return nil, lockHeld(key, ttl)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled.
			_ = releaseScript.Run(context.Background(), l.redis, []string{lockKey}, token).Err()
		})
	}, nil
}

func lockHeld(key string, ttl time.Duration) error {
	return WithContext(ErrConflict, map[string]interface{}{
		"key":    key,
		"ttl":    ttl,
		"reason": "lock is held by another owner",
	})
}
