package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shopsync/backend/internal/domain"
)

// RedisStatusMirror stores the latest snapshot per device and announces
// every change on the shop's status channel.
type RedisStatusMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStatusMirror(addr string, password string, db int) *RedisStatusMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStatusMirror{client: client, ttl: 24 * time.Hour}
}

func (c *RedisStatusMirror) Client() *redis.Client {
	return c.client
}

func (c *RedisStatusMirror) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStatusMirror) Close() error {
	return c.client.Close()
}

func StatusKey(shopID string, deviceID string) string {
	return "shopsync:status:" + shopID + ":" + deviceID
}

func StatusChannel(shopID string) string {
	return "shopsync:status:" + shopID
}

func (c *RedisStatusMirror) Publish(ctx context.Context, snapshot domain.SyncSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, StatusKey(snapshot.ShopID, snapshot.DeviceID), payload, c.ttl)
	pipe.Publish(ctx, StatusChannel(snapshot.ShopID), payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisStatusMirror) Latest(ctx context.Context, shopID string, deviceID string) (*domain.SyncSnapshot, bool, error) {
	val, err := c.client.Get(ctx, StatusKey(shopID, deviceID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snapshot domain.SyncSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, false, err
	}
	return &snapshot, true, nil
}
