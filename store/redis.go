package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitagent/bitagent/workflow"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// RedisStore is a Redis-backed StateStore for distributed deployments.
// Snapshots are JSON strings keyed per instance, with a set indexing all
// instance IDs; event logs are Redis lists in append order.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and returns the store. The connection
// is verified with a ping before use.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "bitagent:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) instanceKey(instanceID string) string {
	return s.keyPrefix + "instance:" + instanceID
}

func (s *RedisStore) eventsKey(instanceID string) string {
	return s.keyPrefix + "events:" + instanceID
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "instances"
}

// Persist implements StateStore.
func (s *RedisStore) Persist(ctx context.Context, snap *workflow.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.instanceKey(snap.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), snap.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Load implements StateStore.
func (s *RedisStore) Load(ctx context.Context, instanceID string) (*workflow.Snapshot, error) {
	data, err := s.client.Get(ctx, s.instanceKey(instanceID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

// LoadActive implements StateStore.
func (s *RedisStore) LoadActive(ctx context.Context) ([]*workflow.Snapshot, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}

	var out []*workflow.Snapshot
	for _, id := range ids {
		snap, err := s.Load(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !snap.Status.Terminal() {
			out = append(out, snap)
		}
	}
	return out, nil
}

// AppendEvent implements StateStore.
func (s *RedisStore) AppendEvent(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.eventsKey(event.InstanceID), data).Err()
}

// Events implements StateStore.
func (s *RedisStore) Events(ctx context.Context, instanceID string) ([]Event, error) {
	items, err := s.client.LRange(ctx, s.eventsKey(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(items))
	for _, item := range items {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event for %s: %w", instanceID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close implements StateStore.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
