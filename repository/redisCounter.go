package repository

import (
	"context"
	"errors"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// HighWaterSource supplies the durable marks a Redis counter is seeded from
// and written back to.
type HighWaterSource interface {
	CounterHighWater(ctx context.Context, key models.CounterKey) (int64, error)
	RecordHighWater(ctx context.Context, key models.CounterKey, value int64) error
}

// RedisCounterStore increments counters with INCR. A missing key is seeded with
// SETNX from the durable high-water mark, so concurrent first callers agree on
// the base and INCR does the rest.
type RedisCounterStore struct {
	client  *redis.Client
	durable HighWaterSource
	logger  *logrus.Logger
}

var _ CounterStore = (*RedisCounterStore)(nil)

func NewRedisCounterStore(client *redis.Client, durable HighWaterSource, logger *logrus.Logger) *RedisCounterStore {
	return &RedisCounterStore{client: client, durable: durable, logger: logger}
}

func RedisCounterKey(key models.CounterKey) string {
	return "counter:" + string(key.Family) + ":" + key.Key
}

func (s *RedisCounterStore) Increment(ctx context.Context, key models.CounterKey) (int64, error) {
	if s.client == nil {
		return 0, errors.New("redis counter store: client not connected")
	}
	rkey := RedisCounterKey(key)

	exists, err := s.client.Exists(ctx, rkey).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		if err := s.Seed(ctx, key); err != nil {
			return 0, err
		}
	}

	value, err := s.client.Incr(ctx, rkey).Result()
	if err != nil {
		return 0, err
	}

	if s.durable != nil {
		if err := s.durable.RecordHighWater(ctx, key, value); err != nil && s.logger != nil {
			// the Redis value stays authoritative; reseed repairs the durable mark
			s.logger.WithFields(logrus.Fields{
				"field":       "RedisCounterStore",
				"counter_key": key.String(),
				"value":       value,
			}).Warn("could not record counter high-water mark: " + err.Error())
		}
	}
	return value, nil
}

// Seed sets the Redis key to the durable mark unless another caller already has.
func (s *RedisCounterStore) Seed(ctx context.Context, key models.CounterKey) error {
	var base int64
	if s.durable != nil {
		hw, err := s.durable.CounterHighWater(ctx, key)
		if err != nil {
			return err
		}
		base = hw
	}
	return s.client.SetNX(ctx, RedisCounterKey(key), base, 0).Err()
}

// Reseed raises the Redis key to value when it is lower. Used after Redis data loss.
func (s *RedisCounterStore) Reseed(ctx context.Context, key models.CounterKey, value int64) (bool, error) {
	rkey := RedisCounterKey(key)
	raised := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, rkey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && current >= value {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, value, 0)
			return nil
		})
		if err == nil {
			raised = true
		}
		return err
	}, rkey)
	return raised, err
}
