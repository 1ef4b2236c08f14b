package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"halaqa-bot/internal/domain"
	"halaqa-bot/internal/infra/metrics"
)

// RedisNotifyQueue реализует очередь уведомлений на базе Redis lists.
type RedisNotifyQueue struct {
	client *redis.Client
	key    string
}

// NewRedisNotifyQueue создаёт очередь по указанному ключу.
func NewRedisNotifyQueue(client *redis.Client, key string) *RedisNotifyQueue {
	return &RedisNotifyQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisNotifyQueue) Enqueue(ctx context.Context, job domain.NotifyJob) error {
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
func (q *RedisNotifyQueue) Pop(ctx context.Context) (domain.NotifyJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.NotifyJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.NotifyJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.NotifyJob{}, err
		}
		if len(res) != 2 {
			return domain.NotifyJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.NotifyJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.NotifyJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
