package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/blues/groupbuy/internal/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 仅当值仍是自己的 token 时才删除
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// redisClient go-redis 客户端中用到的部分
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Redis 基于 SET NX PX 的跨实例锁
type Redis struct {
	client     redisClient
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
}

// NewRedis 创建 Redis 锁，ttl 需大于单次操作的最长耗时
func NewRedis(client redisClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client:     client,
		prefix:     "groupbuy:lock:",
		ttl:        ttl,
		retryDelay: 50 * time.Millisecond,
	}
}

// Dial 连接 Redis 并检查连通性
func Dial(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Lock 轮询获取锁直到成功或 ctx 结束
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.client.Eval(releaseCtx, releaseScript, []string{redisKey}, token).Err(); err != nil {
			logger.Warn("Failed to release lock %s, it will expire after %s: %v", key, r.ttl, err)
		}
	}, nil
}
