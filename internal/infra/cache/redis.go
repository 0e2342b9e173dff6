package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-postwatch/internal/domain"
)

// ErrMiss возвращается Get, если ключ отсутствует или истёк.
var ErrMiss = errors.New("ключ не найден")

// RedisCache реализует domain.Cache через Redis. Основной потребитель —
// дедупликация уведомлений по ключу проверки.
type RedisCache struct {
	client  *redis.Client
	timeout time.Duration
}

var _ domain.Cache = (*RedisCache)(nil)

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, timeout: 3 * time.Second}
}

func (c *RedisCache) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

// Once выполняет функцию, только если ключ ещё не занят. При ошибке функции
// ключ освобождается, чтобы следующая попытка не была подавлена.
func (c *RedisCache) Once(key string, ttl time.Duration, fn func() error) error {
	ctx, cancel := c.opCtx()
	defer cancel()

	ok, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = c.client.Del(ctx, key).Err()
		return err
	}
	return nil
}

// Set задаёт значение с TTL.
func (c *RedisCache) Set(key string, value []byte, ttl time.Duration) error {
	ctx, cancel := c.opCtx()
	defer cancel()
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get возвращает значение или ErrMiss.
func (c *RedisCache) Get(key string) ([]byte, error) {
	ctx, cancel := c.opCtx()
	defer cancel()
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return data, err
}
