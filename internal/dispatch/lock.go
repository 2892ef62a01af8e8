package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RideLock serializes HandleDriverResponse/CheckTimeout calls for a given
// ride id behind a short-TTL Redis lock, so a late decline and a timeout
// firing concurrently can't both mutate the same ride.
type RideLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRideLock builds a lock helper. client may be nil, in which case
// Acquire always succeeds (single-process test/dev mode).
func NewRideLock(client *redis.Client, ttl time.Duration) *RideLock {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RideLock{client: client, ttl: ttl}
}

func lockKey(rideID string) string { return fmt.Sprintf("lock:ride:%s", rideID) }

// Acquire attempts to take the lock for rideID, returning a release func
// that must be called when done. ok is false if another holder has it.
func (l *RideLock) Acquire(ctx context.Context, rideID string) (release func(), ok bool, err error) {
	if l.client == nil {
		return func() {}, true, nil
	}
	acquired, err := l.client.SetNX(ctx, lockKey(rideID), 1, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	release = func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.client.Del(releaseCtx, lockKey(rideID))
	}
	return release, true, nil
}
