package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyTraining          = "staffcast:training:last"
	keyRunLatest         = "staffcast:run:latest"
	keyRunLatestSuccess  = "staffcast:run:latest_success"
	keyRunHistory        = "staffcast:runs"
	redisHistoryCapacity = maxRuns
)

// RedisStore keeps state in Redis so several schedulers share it.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) LastTraining(ctx context.Context) (TrainingRecord, bool, error) {
	var rec TrainingRecord
	ok, err := r.getJSON(ctx, keyTraining, &rec)
	return rec, ok, err
}

func (r *RedisStore) RecordTraining(ctx context.Context, rec TrainingRecord) error {
	return r.setJSON(ctx, keyTraining, rec)
}

func (r *RedisStore) RecordRun(ctx context.Context, rec RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, keyRunLatest, data, 0)
	if rec.Success {
		pipe.Set(ctx, keyRunLatestSuccess, data, 0)
	}
	pipe.LPush(ctx, keyRunHistory, data)
	pipe.LTrim(ctx, keyRunHistory, 0, redisHistoryCapacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record run failed: %w", err)
	}
	return nil
}

func (r *RedisStore) LatestRun(ctx context.Context, successOnly bool) (RunRecord, bool, error) {
	key := keyRunLatest
	if successOnly {
		key = keyRunLatestSuccess
	}
	var rec RunRecord
	ok, err := r.getJSON(ctx, key, &rec)
	return rec, ok, err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis GET %s failed: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s failed: %w", key, err)
	}
	return nil
}
