package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisList = "nightlobster:night-run"
	jobKeyPrefix     = "nightlobster:job:"
	jobKeyTTL        = 7 * 24 * time.Hour
)

// RedisQueue keeps a job list plus one state key per job id. SETNX on the
// state key rejects duplicate ids before anything is pushed.
type RedisQueue struct {
	Client *redis.Client
	// List defaults to nightlobster:night-run.
	List string
	// Block bounds how long Claim waits for a job.
	Block time.Duration
}

// NewRedisQueue connects using a redis:// URL.
func NewRedisQueue(url string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisQueue{Client: redis.NewClient(opts), Block: time.Second}, nil
}

func (q *RedisQueue) list() string {
	if q.List != "" {
		return q.List
	}
	return defaultRedisList
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if err := job.validate(); err != nil {
		return false, err
	}
	ok, err := q.Client.SetNX(ctx, jobKeyPrefix+job.ID, StatusQueued, jobKeyTTL).Result()
	if err != nil || !ok {
		return false, err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	if err := q.Client.LPush(ctx, q.list(), payload).Err(); err != nil {
		q.Client.Del(ctx, jobKeyPrefix+job.ID)
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) Claim(ctx context.Context) (Job, bool, error) {
	block := q.Block
	if block <= 0 {
		block = time.Second
	}
	res, err := q.Client.BRPop(ctx, block, q.list()).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, false, fmt.Errorf("decode job: %w", err)
	}
	if err := q.Client.Set(ctx, jobKeyPrefix+job.ID, StatusActive, redis.KeepTTL).Err(); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job Job) error {
	return q.Client.Set(ctx, jobKeyPrefix+job.ID, StatusCompleted, redis.KeepTTL).Err()
}

func (q *RedisQueue) Fail(ctx context.Context, job Job, _ error) error {
	return q.Client.Set(ctx, jobKeyPrefix+job.ID, StatusFailed, redis.KeepTTL).Err()
}

func (q *RedisQueue) Close() error {
	return q.Client.Close()
}
