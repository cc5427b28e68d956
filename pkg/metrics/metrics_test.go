package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordClaim("success")
		m.SetOnline("volunteer", 3)
		m.RecordEscalation("auto")
		m.RecordStorageDegraded("sos_alerts", "update")
	})
}

func TestDomainCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordClaim("success")
	m.RecordClaim("success")
	m.RecordClaim("already_claimed")
	m.RecordEscalation("auto_stage1")
	m.SetOnline("volunteer", 4)

	body := scrape(t, m)
	assert.Contains(t, body, `carelink_claims_total{outcome="success"} 2`)
	assert.Contains(t, body, `carelink_claims_total{outcome="already_claimed"} 1`)
	assert.Contains(t, body, `carelink_sos_escalations_total{level="auto_stage1"} 1`)
	assert.Contains(t, body, `carelink_online_actors{role="volunteer"} 4`)

	// 两个实例互不冲突
	other := NewMetrics()
	assert.NotContains(t, scrape(t, other), `carelink_claims_total{outcome="success"}`)
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()
	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/api/sos/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sos/42", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Contains(t, scrape(t, m), `carelink_http_requests_total{method="GET",path="/api/sos/:id",status="200"} 1`)
}
