package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every replica connected to the same Redis.
// The key expires after ttl so a crashed owner cannot wedge the schedule.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed Locker.
func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, ttl: ttl}
}

// TryAcquire implements Locker using SET NX PX.
func (r *Redis) TryAcquire(ctx context.Context) (Release, bool, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire redis lock %q: %w", r.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Int64()
		if err != nil {
			return fmt.Errorf("failed to release redis lock %q: %w", r.key, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, true, nil
}
