package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"AirbandBridge/model"

	"github.com/go-redis/redis/v8"
)

const (
	destinationKey = "airband:destination:%d" // String: Destination JSON
	destinationTTL = 7 * 24 * time.Hour
)

// DestinationCache 频点→房间绑定的共享缓存，多个桥接实例或重启后复用，
// 避免重复解析别名。
type DestinationCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDestinationCache 使用全局 RedisClient
func NewDestinationCache() *DestinationCache {
	return &DestinationCache{client: RedisClient, ttl: destinationTTL}
}

// NewDestinationCacheWithClient 使用指定客户端
func NewDestinationCacheWithClient(client *redis.Client, ttl time.Duration) *DestinationCache {
	if ttl <= 0 {
		ttl = destinationTTL
	}
	return &DestinationCache{client: client, ttl: ttl}
}

// DestinationKey 频点对应的缓存键
func DestinationKey(frequencyHz int64) string {
	return fmt.Sprintf(destinationKey, frequencyHz)
}

// GetDestination 未命中时返回 nil, nil
func (c *DestinationCache) GetDestination(ctx context.Context, frequencyHz int64) (*model.Destination, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, DestinationKey(frequencyHz)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var dest model.Destination
	if err := json.Unmarshal(data, &dest); err != nil {
		// 无法解析的缓存视为未命中
		_ = c.client.Del(ctx, DestinationKey(frequencyHz)).Err()
		return nil, nil
	}
	if dest.RemoteID == "" {
		return nil, nil
	}
	return &dest, nil
}

// SetDestination 写入绑定
func (c *DestinationCache) SetDestination(ctx context.Context, dest *model.Destination) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(dest)
	if err != nil {
		return fmt.Errorf("failed to marshal destination: %w", err)
	}
	return c.client.Set(ctx, DestinationKey(dest.Channel.FrequencyHz), data, c.ttl).Err()
}

// DeleteDestination 删除绑定，例如房间被删除后
func (c *DestinationCache) DeleteDestination(ctx context.Context, frequencyHz int64) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	return c.client.Del(ctx, DestinationKey(frequencyHz)).Err()
}
