package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NewCache 创建缓存实例
func NewCache(config Config) (Cache, error) {
	switch strings.ToLower(config.Type) {
	case "", "local":
		return NewLocalCache(config.Local), nil
	case "gocache":
		return NewGoCache(config.Local), nil
	case "redis":
		return NewRedisCache(config.Redis)
	case "layered":
		return NewLayeredCache(config, DefaultOptions())
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

// NewLayeredCache 创建分层缓存（本地缓存 + redis）
func NewLayeredCache(config Config, options *Options) (Cache, error) {
	if options == nil {
		options = DefaultOptions()
	}
	distributed, err := NewRedisCache(config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newLayered(NewLocalCache(config.Local), distributed, options), nil
}

func newLayered(local, distributed Cache, options *Options) Cache {
	return &layeredCache{local: local, distributed: distributed, options: options}
}

// layeredCache 分层缓存实现
type layeredCache struct {
	local       Cache
	distributed Cache
	options     *Options
}

// Get 从本地缓存获取，如果没有则从分布式缓存获取并回填本地缓存
func (lc *layeredCache) Get(ctx context.Context, key string) (interface{}, bool) {
	if value, ok := lc.local.Get(ctx, key); ok {
		return value, true
	}
	value, ok := lc.distributed.Get(ctx, key)
	if !ok {
		return nil, false
	}
	_ = lc.local.Set(ctx, key, value, lc.options.LocalExpiration)
	return value, true
}

// Set 同时写两级缓存
func (lc *layeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if err := lc.distributed.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return lc.local.Set(ctx, key, value, lc.localTTL(expiration))
}

// SetNX 以分布式缓存的结果为准
func (lc *layeredCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	ok, err := lc.distributed.SetNX(ctx, key, value, expiration)
	if err != nil || !ok {
		return ok, err
	}
	_ = lc.local.Set(ctx, key, value, lc.localTTL(expiration))
	return true, nil
}

func (lc *layeredCache) localTTL(expiration time.Duration) time.Duration {
	if expiration > 0 && (lc.options.LocalExpiration <= 0 || expiration < lc.options.LocalExpiration) {
		return expiration
	}
	return lc.options.LocalExpiration
}

// Delete 删除缓存
func (lc *layeredCache) Delete(ctx context.Context, key string) error {
	_ = lc.local.Delete(ctx, key)
	return lc.distributed.Delete(ctx, key)
}

// Exists 检查键是否存在
func (lc *layeredCache) Exists(ctx context.Context, key string) bool {
	return lc.local.Exists(ctx, key) || lc.distributed.Exists(ctx, key)
}

// Clear 清空所有缓存
func (lc *layeredCache) Clear(ctx context.Context) error {
	_ = lc.local.Clear(ctx)
	return lc.distributed.Clear(ctx)
}

// Close 关闭缓存连接
func (lc *layeredCache) Close() error {
	if err := lc.local.Close(); err != nil {
		return err
	}
	return lc.distributed.Close()
}
