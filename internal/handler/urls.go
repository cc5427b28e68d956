package handlers

import (
	"time"

	"CareLink/internal/coordinator"
	"CareLink/pkg/cache"
	"CareLink/pkg/config"
	"CareLink/pkg/metrics"
	"CareLink/pkg/middleware"
	"CareLink/pkg/sse"
	"CareLink/pkg/websocket"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type Handlers struct {
	db      *gorm.DB
	coord   *coordinator.Coordinator
	hub     *websocket.Hub
	stream  *sse.Hub
	metrics *metrics.Metrics
	idem    cache.Cache
}

type Options struct {
	Hub     *websocket.Hub
	Stream  *sse.Hub
	Metrics *metrics.Metrics
	// Idempotency SOS 上报的幂等键存储，为空时使用进程内 LRU
	Idempotency cache.Cache
}

func NewHandlers(db *gorm.DB, coord *coordinator.Coordinator, opts Options) *Handlers {
	return &Handlers{
		db:      db,
		coord:   coord,
		hub:     opts.Hub,
		stream:  opts.Stream,
		metrics: opts.Metrics,
		idem:    opts.Idempotency,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	if h.metrics != nil {
		engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	if h.hub != nil {
		websocket.RegisterRoutes(engine, websocket.NewHandler(h.hub))
	}

	r := engine.Group(config.GlobalConfig.APIPrefix)

	// Register System Module Routes
	h.registerSystemRoutes(r)

	// Register Business Module Routes
	h.registerSOSRoutes(r)
	h.registerRequestRoutes(r)
	h.registerConversationRoutes(r)
	h.registerAdminRoutes(r)
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("system")
	{
		system.GET("/health", h.HealthCheck)

		system.GET("/stats", h.Stats)
	}
}

func (h *Handlers) registerSOSRoutes(r *gin.RouterGroup) {
	alerts := r.Group("sos")
	alerts.Use(RequireActor)
	{
		alerts.POST("", middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{
			TTL:       10 * time.Minute,
			Store:     h.idem,
			KeyPrefix: "idem:sos:",
		}), h.RaiseSOS)

		alerts.GET("", h.ListSOS)

		alerts.GET("/:id", h.GetSOS)

		alerts.POST("/:id/accept", h.AcceptSOS)

		alerts.POST("/:id/status", h.UpdateSOSStatus)

		alerts.POST("/:id/escalate", h.EscalateSOS)

		alerts.POST("/:id/resolve", h.ResolveSOS)

		alerts.POST("/:id/reassign", h.ReassignSOS)

		alerts.POST("/:id/force-close", h.ForceCloseSOS)
	}
}

func (h *Handlers) registerRequestRoutes(r *gin.RouterGroup) {
	requests := r.Group("requests")
	requests.Use(RequireActor)
	{
		requests.POST("", h.SubmitRequest)

		requests.GET("", h.ListRequests)

		requests.POST("/:seniorId/claim", h.ClaimRequest)

		requests.DELETE("/:seniorId", h.CancelRequest)
	}

	r.GET("/presence", RequireActor, h.ListPresence)
}

func (h *Handlers) registerConversationRoutes(r *gin.RouterGroup) {
	conversations := r.Group("conversations")
	conversations.Use(RequireActor)
	{
		conversations.GET("", h.ListConversations)

		conversations.POST("/:id/end", h.EndConversation)
	}
}

func (h *Handlers) registerAdminRoutes(r *gin.RouterGroup) {
	admin := r.Group("admin")
	admin.Use(RequireActor)
	{
		admin.GET("/stream", h.AdminStream)
	}
}
