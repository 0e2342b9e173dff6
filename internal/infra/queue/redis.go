package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-postwatch/internal/domain"
)

// RedisCheckQueue реализует очередь задач проверки на базе Redis lists.
type RedisCheckQueue struct {
	client *redis.Client
	key    string
}

// NewRedisCheckQueue создаёт очередь по указанному ключу.
func NewRedisCheckQueue(client *redis.Client, key string) *RedisCheckQueue {
	return &RedisCheckQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisCheckQueue) Enqueue(ctx context.Context, job domain.CheckJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisCheckQueue) Pop(ctx context.Context) (domain.CheckJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.CheckJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.CheckJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.CheckJob{}, err
		}
		if len(res) != 2 {
			return domain.CheckJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.CheckJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.CheckJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
