package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xt-ml/xt/pkg/common/config"
	"github.com/xt-ml/xt/pkg/common/logger"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

const redisPingTimeout = 5 * time.Second

var (
	redisMu     sync.Mutex
	redisClient *redis.Client
)

// GetRedis connects the shared counter client. It returns nil, nil when
// REDIS_HOST is unset. A client that fails its ping is not kept, so a later
// call dials again.
func GetRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisHost == "" {
		return nil, nil
	}
	redisMu.Lock()
	defer redisMu.Unlock()
	if redisClient != nil {
		return redisClient, nil
	}

	addr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	c := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  redisPingTimeout,
		ReadTimeout:  cfg.RPCTimeout,
		WriteTimeout: cfg.RPCTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, xterr.MarkTransient(xterr.Wrap(xterr.CategoryStore, err, "connect redis at "+addr))
	}
	logger.Entry().WithField("addr", addr).Debug("redis counters connected")
	redisClient = c
	return c, nil
}

func CloseRedis() error {
	redisMu.Lock()
	defer redisMu.Unlock()
	if redisClient == nil {
		return nil
	}
	err := redisClient.Close()
	redisClient = nil
	return err
}
