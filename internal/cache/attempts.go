package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

const (
	attemptKeyPrefix = "posledger:pin-attempts:"
	lockTTL          = 5 * time.Second
	recordTTL        = 24 * time.Hour
)

// AttemptStore keeps PIN attempt counters in Redis so every API instance
// sees the same lockout. Updates for one employment are serialized with a
// redislock mutex.
type AttemptStore struct {
	client *redis.Client
	locker *redislock.Client
	retry  redislock.RetryStrategy
}

func NewAttemptStore(client *redis.Client) *AttemptStore {
	return &AttemptStore{
		client: client,
		locker: redislock.New(client),
		retry:  redislock.LimitRetry(redislock.LinearBackoff(25*time.Millisecond), 40),
	}
}

func (s *AttemptStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *AttemptStore) Close() error {
	return s.client.Close()
}

func (s *AttemptStore) UpdatePinAttempts(ctx context.Context, employmentID string, fn func(*domain.PinAttempts) error) error {
	key := attemptKeyPrefix + employmentID
	lock, err := s.locker.Obtain(ctx, key+":lock", lockTTL, &redislock.Options{RetryStrategy: s.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("pin attempts %s busy: %w", employmentID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("obtain pin attempts lock: %w: %w", store.ErrUnavailable, err)
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	current := domain.PinAttempts{EmploymentID: employmentID}
	val, err := s.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("get pin attempts: %w: %w", store.ErrUnavailable, err)
	default:
		if err := json.Unmarshal([]byte(val), &current); err != nil {
			return fmt.Errorf("decode pin attempts: %w", err)
		}
	}

	if err := fn(&current); err != nil {
		return err
	}

	if current.Failures == 0 && current.BlockedUntil.IsZero() {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("clear pin attempts: %w: %w", store.ErrUnavailable, err)
		}
		return nil
	}
	payload, err := json.Marshal(current)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, payload, recordTTL).Err(); err != nil {
		return fmt.Errorf("set pin attempts: %w: %w", store.ErrUnavailable, err)
	}
	return nil
}

var _ store.AttemptStore = (*AttemptStore)(nil)
