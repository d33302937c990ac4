package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func trackingKey(trackingNumber string) string {
	return fmt.Sprintf("tracking:%s", trackingNumber)
}

// GetTracking returns the cached tracking payload, if any.
// Expiry is enforced by the key TTL.
func (c *Client) GetTracking(ctx context.Context, trackingNumber string) ([]byte, bool, error) {
	payload, err := c.rdb.Get(ctx, trackingKey(trackingNumber)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get tracking cache: %w", err)
	}
	return payload, true, nil
}

// SetTracking stores a tracking payload with a TTL. The payload already names the carrier.
func (c *Client) SetTracking(ctx context.Context, trackingNumber, _ string, payload []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, trackingKey(trackingNumber), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set tracking cache: %w", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}

// MarkEventProcessed records a webhook event id.
// It returns false when the event was already seen within ttl.
func (c *Client) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("webhook-event:%s", eventID), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return ok, nil
}

// ForgetEvent removes a processed marker so a failed event can be redelivered
func (c *Client) ForgetEvent(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("webhook-event:%s", eventID)).Err()
}

// TrackingCache exposes the tracking entries as a read-through cache backend
type TrackingCache struct {
	c *Client
}

// TrackingCache returns the cache view of the client
func (c *Client) TrackingCache() *TrackingCache {
	return &TrackingCache{c: c}
}

func (t *TrackingCache) Get(ctx context.Context, trackingNumber string) ([]byte, bool, error) {
	return t.c.GetTracking(ctx, trackingNumber)
}

func (t *TrackingCache) Set(ctx context.Context, trackingNumber, carrier string, payload []byte, ttl time.Duration) error {
	return t.c.SetTracking(ctx, trackingNumber, carrier, payload, ttl)
}
