package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carelink"

// Metrics 指标管理器，每个实例持有独立的 Registry，测试中可以重复创建
// 所有方法允许 nil 接收者
type Metrics struct {
	registry *prometheus.Registry

	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimitRejected   *prometheus.CounterVec

	// 在线与匹配
	onlineActors    *prometheus.GaugeVec
	pendingRequests prometheus.Gauge
	claimsTotal     *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	messagesRelayed prometheus.Counter

	// SOS
	sosRaisedTotal      prometheus.Counter
	sosEscalationsTotal *prometheus.CounterVec
	sosActive           prometheus.Gauge

	// 下游依赖
	storageDegradedTotal *prometheus.CounterVec
	gatewayFailuresTotal *prometheus.CounterVec
	cacheLookupsTotal    *prometheus.CounterVec

	wsConnections prometheus.Gauge
}

// NewMetrics 创建指标管理器
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		rateLimitRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"path"}),

		onlineActors: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_actors",
			Help:      "Connected actors by role",
		}, []string{"role"}),
		pendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Help requests waiting for a volunteer",
		}),
		claimsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome",
		}, []string{"outcome"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Live senior/volunteer sessions",
		}),
		messagesRelayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Conversation messages relayed",
		}),

		sosRaisedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sos_raised_total",
			Help:      "SOS alerts created",
		}),
		sosEscalationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sos_escalations_total",
			Help:      "SOS escalations by level",
		}, []string{"level"}),
		sosActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sos_active",
			Help:      "SOS alerts in the active status group",
		}),

		storageDegradedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_degraded_total",
			Help:      "Best-effort storage writes that failed",
		}, []string{"table", "operation"}),
		gatewayFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_failures_total",
			Help:      "Push/SMS sends that failed",
		}, []string{"channel"}),
		cacheLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Profile cache lookups by result",
		}, []string{"cache", "result"}),

		wsConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections",
		}),
	}
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest 记录HTTP请求指标
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordRateLimited(path string) {
	if m == nil {
		return
	}
	m.rateLimitRejected.WithLabelValues(path).Inc()
}

func (m *Metrics) SetOnline(role string, n int) {
	if m == nil {
		return
	}
	m.onlineActors.WithLabelValues(role).Set(float64(n))
}

func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// RecordClaim outcome: success / already_claimed / busy / storage_failed
func (m *Metrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordMessageRelayed() {
	if m == nil {
		return
	}
	m.messagesRelayed.Inc()
}

func (m *Metrics) RecordSOSRaised() {
	if m == nil {
		return
	}
	m.sosRaisedTotal.Inc()
}

func (m *Metrics) RecordEscalation(level string) {
	if m == nil {
		return
	}
	m.sosEscalationsTotal.WithLabelValues(level).Inc()
}

func (m *Metrics) SetSOSActive(n int) {
	if m == nil {
		return
	}
	m.sosActive.Set(float64(n))
}

// RecordStorageDegraded 记录被吞掉的持久化失败
func (m *Metrics) RecordStorageDegraded(table, operation string) {
	if m == nil {
		return
	}
	m.storageDegradedTotal.WithLabelValues(table, operation).Inc()
}

func (m *Metrics) RecordGatewayFailure(channel string) {
	if m == nil {
		return
	}
	m.gatewayFailuresTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) SetWSConnections(n int) {
	if m == nil {
		return
	}
	m.wsConnections.Set(float64(n))
}
