package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/metrics"
)

// RedisRemasterQueue реализует очередь ремастер-задач на базе Redis lists.
type RedisRemasterQueue struct {
	client *redis.Client
	key    string
}

// NewRedisRemasterQueue создаёт очередь по указанному ключу.
func NewRedisRemasterQueue(client *redis.Client, key string) *RedisRemasterQueue {
	return &RedisRemasterQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisRemasterQueue) Enqueue(ctx context.Context, job domain.RemasterJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisRemasterQueue) Pop(ctx context.Context) (domain.RemasterJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.RemasterJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.RemasterJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.RemasterJob{}, err
		}
		if len(res) != 2 {
			return domain.RemasterJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.RemasterJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.RemasterJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
