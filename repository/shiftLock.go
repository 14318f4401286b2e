package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

var ErrShiftLocked = errors.New("shift is being recorded by another request")

// RedisShiftLocker takes "lock:shift:<id>" with a short retry window.
type RedisShiftLocker struct {
	locker *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	logger *logrus.Logger
}

var _ ShiftLocker = (*RedisShiftLocker)(nil)

func NewRedisShiftLocker(locker *redislock.Client, logger *logrus.Logger) *RedisShiftLocker {
	return &RedisShiftLocker{
		locker: locker,
		ttl:    30 * time.Second,
		wait:   5 * time.Second,
		logger: logger,
	}
}

func (l *RedisShiftLocker) LockShift(ctx context.Context, shiftId string) (func(), error) {
	if l.locker == nil {
		return nil, errors.New("redis lock not initialized")
	}
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), int(l.wait/(100*time.Millisecond))),
	}
	lock, err := l.locker.Obtain(ctx, "lock:shift:"+shiftId, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrShiftLocked
	} else if err != nil {
		return nil, err
	}
	return func() {
		// release on a fresh context so a cancelled request still unlocks
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) && l.logger != nil {
			l.logger.WithField("shift_id", shiftId).Warn("shift lock release: " + err.Error())
		}
	}, nil
}

// NoopShiftLocker is used when Redis is not configured.
type NoopShiftLocker struct{}

func (NoopShiftLocker) LockShift(context.Context, string) (func(), error) {
	return func() {}, nil
}
