package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueWrapsPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	q := NewRedisQueue(rdb)

	payload := map[string]string{"content": "hello"}
	err := q.Enqueue(context.Background(), "process-message", payload, Options{
		MaxAttempts:      3,
		DedupeOnComplete: true,
	})
	require.NoError(t, err)

	items, err := rdb.LRange(context.Background(), "queue:process-message", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 1)

	var env struct {
		JobID            string            `json:"job_id"`
		Payload          map[string]string `json:"payload"`
		MaxAttempts      int               `json:"max_attempts"`
		DedupeOnComplete bool              `json:"dedupe_on_complete"`
	}
	require.NoError(t, jsoniter.Unmarshal([]byte(items[0]), &env))
	assert.NotEmpty(t, env.JobID)
	assert.Equal(t, "hello", env.Payload["content"])
	assert.Equal(t, 3, env.MaxAttempts)
	assert.True(t, env.DedupeOnComplete)
}

func TestEnqueueFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	q := NewRedisQueue(rdb)
	err := q.Enqueue(context.Background(), "process-message", "x", Options{})
	assert.Error(t, err)
}
