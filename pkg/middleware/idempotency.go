package middleware

import (
	"net/http"
	"strings"
	"time"

	"CareLink/pkg/cache"

	"github.com/gin-gonic/gin"
)

type IdempotencyConfig struct {
	HeaderName string        // Idempotency-Key 的请求头名
	TTL        time.Duration // 决定一段时间内重复请求的拒绝窗口
	Store      cache.Cache
	KeyPrefix  string
}

// IdempotencyMiddleware 只处理携带幂等键的请求；键在 TTL 内重复出现时返回 409
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "idem:"
	}
	store := cfg.Store
	if store == nil {
		store = cache.NewLocalCache(cache.LocalConfig{MaxSize: 10000, DefaultExpiration: cfg.TTL})
	}
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" {
			c.Next()
			return
		}
		fullKey := cfg.KeyPrefix + c.FullPath() + ":" + key
		ok, err := store.SetNX(c.Request.Context(), fullKey, time.Now().Unix(), cfg.TTL)
		if err != nil {
			// 缓存不可用时不阻塞请求
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": "duplicate request"})
			return
		}
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			// 服务端失败允许客户端用同一个键重试
			_ = store.Delete(c.Request.Context(), fullKey)
		}
	}
}
