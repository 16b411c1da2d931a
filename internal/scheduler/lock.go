// Package scheduler drives one internal/engine.Queue's pick loop: it
// repeatedly calls Storage.StartNextTask, hands each picked task to a
// bounded worker pool, and sleeps between the three edge triggers that
// can make a new task runnable (a fresh dispatch, a sibling task settling,
// or a timer elapsing).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLocker provides advisory cross-replica leader election over
// Redis. It is advisory only: internal/storage.StartNextTask already picks
// exclusively per task via a serializable transaction, so multiple
// replicas holding no lock at all would still never double-run a task --
// the lock only avoids every replica hammering Storage.StartNextTask in
// lockstep.
type DistributedLocker struct {
	client   *redis.Client
	workerID string
}

// NewDistributedLocker creates a new distributed locker.
func NewDistributedLocker(client *redis.Client, workerID string) *DistributedLocker {
	return &DistributedLocker{
		client:   client,
		workerID: workerID,
	}
}

// AcquireLock attempts to acquire a lock with the given key.
func (l *DistributedLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lockKey := fmt.Sprintf("lock:%s", key)

	result, err := l.client.SetNX(ctx, lockKey, l.workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return result, nil
}

// ReleaseLock releases a lock if held by this worker.
func (l *DistributedLocker) ReleaseLock(ctx context.Context, key string) error {
	lockKey := fmt.Sprintf("lock:%s", key)

	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)

	_, err := script.Run(ctx, l.client, []string{lockKey}, l.workerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// RefreshLock extends the TTL of a held lock.
func (l *DistributedLocker) RefreshLock(ctx context.Context, key string, ttl time.Duration) error {
	lockKey := fmt.Sprintf("lock:%s", key)

	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)

	_, err := script.Run(ctx, l.client, []string{lockKey}, l.workerID, ttl.Milliseconds()).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}

	return nil
}

// IsLockHeld checks if a lock is currently held by this worker.
func (l *DistributedLocker) IsLockHeld(ctx context.Context, key string) (bool, error) {
	lockKey := fmt.Sprintf("lock:%s", key)

	value, err := l.client.Get(ctx, lockKey).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}

	return value == l.workerID, nil
}

// Publish notifies a wake channel that a new task may be runnable, so
// other replicas waiting on NextFutureTask's timer can react immediately
// instead of waiting out the full timer.
func (l *DistributedLocker) Publish(ctx context.Context, channel string) error {
	return l.client.Publish(ctx, channel, l.workerID).Err()
}

// Subscribe returns a channel that receives a value every time Publish is
// called on channel by any replica (including this one).
func (l *DistributedLocker) Subscribe(ctx context.Context, channel string) (<-chan struct{}, func() error) {
	sub := l.client.Subscribe(ctx, channel)
	wake := make(chan struct{}, 1)
	go func() {
		for range sub.Channel() {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return wake, sub.Close
}
