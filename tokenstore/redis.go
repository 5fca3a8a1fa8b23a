package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "authfetch:tokens:"
	redisLockSuffix = ":refresh-lock"

	// redisLockTTL bounds how long a crashed holder blocks the others.
	redisLockTTL        = 15 * time.Second
	redisLockRetryDelay = 50 * time.Millisecond
)

// unlockScript deletes the lock only while it still carries the holder's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis keeps one profile's credentials in a Redis hash so that several
// processes, possibly on different hosts, share a single token pair. Refreshes
// across those processes are serialized through Lock.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis returns a Redis store for profile.
func NewRedis(client *redis.Client, profile string) *Redis {
	if profile == "" {
		profile = DefaultProfile
	}
	return &Redis{client: client, key: redisKeyPrefix + profile}
}

func (r *Redis) Get(ctx context.Context, name string) (string, error) {
	if _, err := (Pair{}).field(name); err != nil {
		return "", err
	}

	v, err := r.client.HGet(ctx, r.key, name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get %s from redis: %w", name, err)
	}
	return v, nil
}

// Set writes all three fields with a single HSET, which Redis applies atomically.
func (r *Redis) Set(ctx context.Context, pair Pair) error {
	err := r.client.HSet(ctx, r.key,
		AccessToken, pair.AccessToken,
		RefreshToken, pair.RefreshToken,
		DeviceID, pair.DeviceID,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set tokens in redis: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to clear tokens in redis: %w", err)
	}
	return nil
}

// Lock takes a SET NX lock next to the token hash. A holder that dies leaves
// the lock to expire after redisLockTTL.
func (r *Redis) Lock(ctx context.Context) (func(), error) {
	key := r.key + redisLockSuffix
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, redisLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to take refresh lock in redis: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for refresh lock: %w", ctx.Err())
		case <-time.After(redisLockRetryDelay):
		}
	}

	return func() {
		// The caller's ctx may be done by now; the lock must still go.
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		unlockScript.Run(unlockCtx, r.client, []string{key}, token)
	}, nil
}
