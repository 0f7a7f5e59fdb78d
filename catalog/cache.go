package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-svc/config"
	"order-svc/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", cfg.Addr()))
	return rdb, nil
}

// RedisCache keeps product snapshots for a bounded time so repeated checkouts
// of the same product do not each cost a catalog round trip.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func productKey(id int64) string {
	return fmt.Sprintf("product:%d", id)
}

// Get returns the cached product. A miss is reported as found == false with
// a nil error.
func (c *RedisCache) Get(ctx context.Context, id int64) (models.Product, bool, error) {
	data, err := c.rdb.Get(ctx, productKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Product{}, false, nil
	}
	if err != nil {
		return models.Product{}, false, err
	}

	var product models.Product
	if err := json.Unmarshal(data, &product); err != nil {
		return models.Product{}, false, err
	}
	return product, true, nil
}

func (c *RedisCache) Set(ctx context.Context, product models.Product) error {
	data, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, productKey(product.ID), data, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, id int64) error {
	return c.rdb.Del(ctx, productKey(id)).Err()
}
