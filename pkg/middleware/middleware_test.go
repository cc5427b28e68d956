package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"CareLink/pkg/cache"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.POST("/api/sos", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.GET("/api/system/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r http.Handler, method, path string, headers map[string]string) int {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiterPerActor(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:       "2-M",
		Identifier: "actor",
		SkipPaths:  []string{"/api/system"},
		AddHeaders: true,
	}, nil, nil)
	r := newEngine(rl.Middleware())

	s1 := map[string]string{ActorHeader: "s1"}
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/sos", s1))
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/sos", s1))
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/sos", s1))

	// 不同调用方独立计数
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/sos", map[string]string{ActorHeader: "s2"}))

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/system/health", s1))
	}
}

func TestIdempotencyMiddleware(t *testing.T) {
	store := cache.NewLocalCache(cache.LocalConfig{MaxSize: 100})
	r := newEngine(IdempotencyMiddleware(IdempotencyConfig{Store: store}))

	key := map[string]string{"Idempotency-Key": "abc"}
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/sos", key))
	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/api/sos", key))

	// 没有幂等键的请求不受影响
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/sos", nil))
	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/sos", nil))
}
