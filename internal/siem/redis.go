package siem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type listPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisSink appends records to a Redis list, the shape a Logstash or
// Wazuh redis input consumes.
type RedisSink struct {
	client listPusher
	key    string
}

// NewRedisSink creates a Redis list sink. The client does not retry.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis: addr is required")
	}
	key := cfg.Key
	if key == "" {
		key = "sentinel:alerts"
	}
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: -1,
	})
	return &RedisSink{client: client, key: key}, nil
}

func (r *RedisSink) Name() string { return ModeRedis }

func (r *RedisSink) Send(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal record: %w", err)
	}
	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("redis: rpush %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
