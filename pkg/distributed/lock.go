package distributed

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when unlocking a mutex this process does not
// hold anymore.
var ErrNotHeld = errors.New("lock not held")

// releaseScript deletes the key only if it still carries our token, so
// an expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Mutex is a single-holder lock backed by a Redis key with a TTL. It
// protects operations that must run on one relay instance at a time,
// like schema migrations.
type Mutex struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewMutex(client *redis.Client, key string, ttl time.Duration) *Mutex {
	return &Mutex{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryLock attempts to take the lock without waiting.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	return m.client.SetNX(ctx, m.key, m.token, m.ttl).Result()
}

// Lock polls until the lock is acquired or the context expires.
func (m *Mutex) Lock(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := m.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock if this mutex still holds it.
func (m *Mutex) Unlock(ctx context.Context) error {
	released, err := releaseScript.Run(ctx, m.client, []string{m.key}, m.token).Int()
	if err != nil {
		return err
	}
	if released == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the expiry out by the configured TTL.
func (m *Mutex) Extend(ctx context.Context) error {
	extended, err := extendScript.Run(ctx, m.client, []string{m.key}, m.token, m.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if extended == 0 {
		return ErrNotHeld
	}
	return nil
}
