package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedCatalog reads items through a Redis cache. Cache failures fall through
// to the underlying catalog and are only logged.
type CachedCatalog struct {
	next     Catalog
	client   *redis.Client
	lifespan time.Duration
	logger   *logrus.Logger
}

var _ Catalog = (*CachedCatalog)(nil)

func NewCachedCatalog(next Catalog, client *redis.Client, lifespan time.Duration, logger *logrus.Logger) *CachedCatalog {
	return &CachedCatalog{next: next, client: client, lifespan: lifespan, logger: logger}
}

func itemIdCacheKey(id int) string {
	return "Item:" + fmt.Sprint(id)
}

func itemCodeCacheKey(code string) string {
	return "ItemCode:" + code
}

func (c *CachedCatalog) ItemById(ctx context.Context, id int) (*models.Item, error) {
	if item, ok := c.get(ctx, itemIdCacheKey(id)); ok {
		return item, nil
	}
	item, err := c.next.ItemById(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(ctx, item)
	return item, nil
}

func (c *CachedCatalog) ItemByCode(ctx context.Context, productCode string) (*models.Item, error) {
	if item, ok := c.get(ctx, itemCodeCacheKey(productCode)); ok {
		return item, nil
	}
	item, err := c.next.ItemByCode(ctx, productCode)
	if err != nil {
		return nil, err
	}
	c.store(ctx, item)
	return item, nil
}

// Invalidate drops both cache entries of an item after an administrative correction.
func (c *CachedCatalog) Invalidate(ctx context.Context, item *models.Item) error {
	if c.client == nil || item == nil {
		return nil
	}
	return c.client.Del(ctx, itemIdCacheKey(item.ID), itemCodeCacheKey(item.ProductCode)).Err()
}

func (c *CachedCatalog) get(ctx context.Context, key string) (*models.Item, bool) {
	if c.client == nil {
		return nil, false
	}
	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.warn(key, err)
		}
		return nil, false
	}
	var item models.Item
	if err := json.Unmarshal(val, &item); err != nil {
		c.warn(key, err)
		return nil, false
	}
	return &item, true
}

func (c *CachedCatalog) store(ctx context.Context, item *models.Item) {
	if c.client == nil {
		return
	}
	b, err := json.Marshal(item)
	if err != nil {
		c.warn(itemIdCacheKey(item.ID), err)
		return
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, itemIdCacheKey(item.ID), b, c.lifespan)
		pipe.Set(ctx, itemCodeCacheKey(item.ProductCode), b, c.lifespan)
		return nil
	})
	if err != nil {
		c.warn(itemIdCacheKey(item.ID), err)
	}
}

func (c *CachedCatalog) warn(key string, err error) {
	if c.logger == nil {
		return
	}
	c.logger.WithFields(logrus.Fields{
		"field": "CachedCatalog",
		"key":   key,
	}).Warn("catalog cache: " + err.Error())
}
