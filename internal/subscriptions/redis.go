package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ParleSec/GraphWebhooks/pkg/models"
)

const redisKeyPrefix = "graphwebhooks:subscription:"

// RedisOptions configures a RedisRegistry
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTL expires records after they are saved; zero keeps them until deleted
	TTL time.Duration
}

// RedisRegistry stores records as JSON values in Redis, shared across replicas
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry connects to Redis and verifies the connection
func NewRedisRegistry(ctx context.Context, opts RedisOptions) (*RedisRegistry, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	ttl := opts.TTL
	if ttl < 0 {
		ttl = 0
	}
	return &RedisRegistry{client: client, ttl: ttl}, nil
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

// Get returns the record for id or ErrNotFound
func (r *RedisRegistry) Get(ctx context.Context, id string) (*models.SubscriptionRecord, error) {
	data, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	var rec models.SubscriptionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &rec, nil
}

// Save stores rec
func (r *RedisRegistry) Save(ctx context.Context, rec *models.SubscriptionRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(rec.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// Delete removes the record for id
func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, redisKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all records ordered by ID
func (r *RedisRegistry) List(ctx context.Context) ([]*models.SubscriptionRecord, error) {
	var out []*models.SubscriptionRecord
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load subscription: %w", err)
		}
		var rec models.SubscriptionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out = append(out, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close closes the Redis client
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
