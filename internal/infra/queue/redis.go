package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"linkops/internal/domain"
)

// RedisPipelineQueue реализует очередь задач конвейера на базе Redis lists.
type RedisPipelineQueue struct {
	client *redis.Client
	key    string
}

// NewRedisPipelineQueue создаёт очередь по указанному ключу.
func NewRedisPipelineQueue(client *redis.Client, key string) *RedisPipelineQueue {
	return &RedisPipelineQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisPipelineQueue) Enqueue(ctx context.Context, job domain.PipelineJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. При неуспешной обработке
// задача возвращается в хвост очереди.
func (q *RedisPipelineQueue) Receive(ctx context.Context) (domain.PipelineJob, domain.PipelineAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.PipelineJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.PipelineJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.PipelineJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.PipelineJob{}, nil, errors.New("redis queue: unexpected response")
		}
		raw := []byte(res[1])
		var job domain.PipelineJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return domain.PipelineJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, raw).Err()
		}
		return job, ack, nil
	}
}
