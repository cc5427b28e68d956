package handlers

import (
	"net/http"
	"strings"

	"CareLink/internal/coordinator"
	"CareLink/internal/presence"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/middleware"
	"CareLink/pkg/response"

	"github.com/gin-gonic/gin"
)

// 调用方身份由前置网关注入
const (
	RoleHeader = "X-Actor-Role"
	NGOHeader  = "X-NGO-ID"

	identityKey = "carelink.identity"
)

// RequireActor 从请求头解析调用方身份
func RequireActor(c *gin.Context) {
	id := coordinator.Identity{
		ActorID: strings.TrimSpace(c.GetHeader(middleware.ActorHeader)),
		Role:    presence.Role(strings.TrimSpace(c.GetHeader(RoleHeader))),
		NGOID:   strings.TrimSpace(c.GetHeader(NGOHeader)),
	}
	if id.ActorID == "" || !id.Role.Valid() {
		response.Error(c, apperrors.WithCode(apperrors.CodeForbidden, "missing or invalid actor headers"))
		c.Abort()
		return
	}
	c.Set(identityKey, id)
	c.Next()
}

func identityFrom(c *gin.Context) coordinator.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(coordinator.Identity)
	return id
}

// HealthCheck 健康检查接口
func (h *Handlers) HealthCheck(c *gin.Context) {
	// 检查数据库连接
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database connection failed"})
		return
	}
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database ping failed"})
		return
	}

	// 返回健康状态
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Stats 协调器内存状态概览
func (h *Handlers) Stats(c *gin.Context) {
	stats := gin.H{
		"seniors_online":    h.coord.Presence.Count(presence.RoleSenior),
		"volunteers_online": h.coord.Presence.Count(presence.RoleVolunteer),
		"pending_requests":  len(h.coord.Matching.ListPending()),
		"active_sessions":   len(h.coord.Sessions.List()),
		"active_sos":        len(h.coord.SOS.ListActive()),
	}
	if h.hub != nil {
		stats["ws_connections"] = h.hub.GetConnectionCount()
	}
	if h.stream != nil {
		stats["stream_clients"] = h.stream.ClientCount()
	}
	response.Success(c, "ok", stats)
}

// AdminStream 管理端 SSE，管理员订阅 admins 房间，NGO 订阅自己的房间
func (h *Handlers) AdminStream(c *gin.Context) {
	if h.stream == nil {
		response.Error(c, apperrors.WithCode(apperrors.CodeNotFound, "stream disabled"))
		return
	}
	id := identityFrom(c)
	if err := coordinator.RequireRole(id, presence.RoleAdmin, presence.RoleNGO); err != nil {
		response.Error(c, err)
		return
	}
	h.stream.Serve(c, id.ActorID+":"+c.Request.RemoteAddr, coordinator.RoomsFor(id)...)
}
