package queue

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const keyPrefix = "queue:"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisQueue pushes work items onto a redis list per topic. Workers
// consume with BRPOP on the other side.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

type envelope struct {
	JobID            string      `json:"job_id"`
	Payload          interface{} `json:"payload"`
	MaxAttempts      int         `json:"max_attempts"`
	DedupeOnComplete bool        `json:"dedupe_on_complete"`
	EnqueuedAt       time.Time   `json:"enqueued_at"`
}

func (q *RedisQueue) Enqueue(ctx context.Context, topic string, payload interface{}, opts Options) error {
	data, err := json.Marshal(envelope{
		JobID:            uuid.NewString(),
		Payload:          payload,
		MaxAttempts:      opts.MaxAttempts,
		DedupeOnComplete: opts.DedupeOnComplete,
		EnqueuedAt:       time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal queue item")
	}
	if err := q.rdb.LPush(ctx, keyPrefix+topic, data).Err(); err != nil {
		return errors.Wrapf(err, "enqueue %s", topic)
	}
	return nil
}
