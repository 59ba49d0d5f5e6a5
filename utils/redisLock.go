package utils

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// Locker serializes work on a key across processes. Locks are best-effort:
// callers must stay correct when Obtain fails and they proceed unlocked.
type Locker interface {
	Obtain(ctx context.Context, key string) (release func(), err error)
}

type RedisLocker struct {
	client *redislock.Client
	logger *logrus.Logger
	TTL    time.Duration
	Wait   time.Duration
}

func NewRedisLocker(client *redislock.Client, logger *logrus.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		logger: logger,
		TTL:    30 * time.Second,
		Wait:   5 * time.Second,
	}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, errors.New("redis lock not ready")
	}
	lock, err := l.client.Obtain(ctx, "lock:"+key, l.TTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), int(l.Wait/(100*time.Millisecond))),
	})
	if err != nil {
		return func() {}, err
	}
	return func() {
		// the request context may already be cancelled; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if releaseErr := lock.Release(releaseCtx); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			l.logger.WithFields(logrus.Fields{
				"field": "RedisLocker",
				"key":   key,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}, nil
}

// NopLocker always grants the lock. Used by single-process runs and tests.
type NopLocker struct{}

func (NopLocker) Obtain(context.Context, string) (func(), error) {
	return func() {}, nil
}

// ObtainBestEffort logs and continues unlocked when the lock is unavailable.
func ObtainBestEffort(ctx context.Context, locker Locker, logger *logrus.Logger, key string) func() {
	if locker == nil {
		return func() {}
	}
	release, err := locker.Obtain(ctx, key)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"field": "ObtainBestEffort",
			"key":   key,
		}).Warn("could not obtain lock; proceeding without lock: " + err.Error())
		return func() {}
	}
	return release
}
