package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// localCache 基于 expirable LRU 的本地缓存
// LRU 本身只有统一 TTL，单条过期时间记录在 entry 上并在读取时检查
type localCache struct {
	config LocalConfig
	lru    *expirable.LRU[string, entry]
	mu     sync.Mutex
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLocalCache 创建本地缓存
func NewLocalCache(config LocalConfig) Cache {
	config = config.withDefaults()
	return &localCache{
		config: config,
		lru:    expirable.NewLRU[string, entry](config.MaxSize, nil, config.DefaultExpiration),
	}
}

func (lc *localCache) ttl(expiration time.Duration) time.Time {
	if expiration <= 0 {
		expiration = lc.config.DefaultExpiration
	}
	return time.Now().Add(expiration)
}

// Get 获取缓存值
func (lc *localCache) Get(ctx context.Context, key string) (interface{}, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	e, ok := lc.lru.Get(key)
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		lc.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set 设置缓存值
func (lc *localCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lru.Add(key, entry{value: value, expiresAt: lc.ttl(expiration)})
	return nil
}

func (lc *localCache) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if e, ok := lc.lru.Peek(key); ok && !e.expired(time.Now()) {
		return false, nil
	}
	lc.lru.Add(key, entry{value: value, expiresAt: lc.ttl(expiration)})
	return true, nil
}

// Delete 删除缓存
func (lc *localCache) Delete(ctx context.Context, key string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lru.Remove(key)
	return nil
}

// Exists 检查键是否存在
func (lc *localCache) Exists(ctx context.Context, key string) bool {
	_, ok := lc.Get(ctx, key)
	return ok
}

// Clear 清空所有缓存
func (lc *localCache) Clear(ctx context.Context) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.lru.Purge()
	return nil
}

func (lc *localCache) Close() error { return nil }
