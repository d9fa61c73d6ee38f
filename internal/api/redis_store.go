package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"comfyui-worker/internal/common/config"
)

const jobKeyPrefix = "comfyui-worker:jobs:"

// RedisStore persists job records in redis so status survives worker
// restarts and can be read by other replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(cfg config.RedisConfig, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: ttl,
	}
}

func (s *RedisStore) Put(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}

	// Records without a TTL would accumulate forever; fall back to an hour.
	ttl := s.ttl
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.client.Set(ctx, jobKeyPrefix+job.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("storing job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping verifies the redis connection at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
