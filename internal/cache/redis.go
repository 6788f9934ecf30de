package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgelink/fleet/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// KeyRateLimit 速率限制计数器前缀
const KeyRateLimit = "ratelimit:"

// ErrRateLimitExceeded 超出速率限制
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RedisClient Redis客户端包装
type RedisClient struct {
	client *redis.Client
}

// New 创建Redis客户端
func New(cfg *config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClient 创建Redis客户端并在停止时关闭（Fx兼容）
func NewRedisClient(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*RedisClient, error) {
	client, err := New(&cfg.Redis)
	if err != nil {
		return nil, err
	}
	log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr()))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("Closing redis connection")
			return client.Close()
		},
	})
	return client, nil
}

// Close 关闭连接
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Ping 检查连接
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// IncrementRateLimit 固定窗口计数，返回当前计数，超过限制时返回 ErrRateLimitExceeded
func (r *RedisClient) IncrementRateLimit(ctx context.Context, identifier string, limit int64, window time.Duration) (int64, error) {
	key := KeyRateLimit + identifier

	// 窗口只在第一次计数时设置过期
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	count := incr.Val()
	if count > limit {
		return count, fmt.Errorf("%w: %d/%d", ErrRateLimitExceeded, count, limit)
	}

	return count, nil
}
