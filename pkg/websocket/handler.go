package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler WebSocket HTTP处理器
type Handler struct {
	hub *Hub
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub: hub,
	}
}

// RegisterRoutes 统一注册路由
func RegisterRoutes(r gin.IRouter, handler *Handler) {
	r.GET(RouteWebSocket, handler.HandleWebSocket)
	r.GET(RouteWebSocketStats, handler.GetStats)
	r.GET(RouteWebSocketHealth, handler.HealthCheck)
	r.GET(RouteWebSocketStats+"/users/:user_id", handler.GetUserStats)
	r.GET(RouteWebSocketStats+"/groups/:group", handler.GetGroupStats)
	r.DELETE(RouteWebSocket+"/users/:user_id", handler.DisconnectUser)
}

// HandleWebSocket 处理WebSocket连接请求，身份在连接后通过 identify 事件声明
func (h *Handler) HandleWebSocket(c *gin.Context) {
	HandleWebSocket(h.hub, c.Writer, c.Request)
}

// GetStats 获取WebSocket统计信息
func (h *Handler) GetStats(c *gin.Context) {
	stats := GetConfigSummary(h.hub.config)
	stats["total_connections"] = h.hub.GetConnectionCount()
	h.hub.mu.RLock()
	stats["identified_users"] = len(h.hub.userConnections)
	stats["rooms"] = len(h.hub.groupConnections)
	h.hub.mu.RUnlock()

	c.JSON(http.StatusOK, stats)
}

// GetUserStats 获取特定用户的连接统计
func (h *Handler) GetUserStats(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "用户ID不能为空"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":          userID,
		"connection_count": h.hub.GetUserConnections(userID),
	})
}

// GetGroupStats 获取特定组的连接统计
func (h *Handler) GetGroupStats(c *gin.Context) {
	groupName := c.Param("group")
	if groupName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "组名不能为空"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"group":            groupName,
		"connection_count": h.hub.GetGroupConnections(groupName),
	})
}

// DisconnectUser 断开指定用户的所有连接
func (h *Handler) DisconnectUser(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "用户ID不能为空"})
		return
	}

	h.hub.mu.RLock()
	disconnectedCount := 0
	for connID := range h.hub.userConnections[userID] {
		if conn, ok := h.hub.connections[connID]; ok && conn.Conn != nil {
			conn.Conn.Close()
			disconnectedCount++
		}
	}
	h.hub.mu.RUnlock()

	if disconnectedCount == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "用户没有活跃连接"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":            "用户连接已断开",
		"user_id":            userID,
		"disconnected_count": disconnectedCount,
	})
}

// HealthCheck WebSocket健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	// 检查Hub是否正常运行
	if h.hub.ctx.Err() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"error":   "WebSocket Hub已关闭",
			"details": h.hub.ctx.Err().Error(),
		})
		return
	}

	totalConnections := h.hub.GetConnectionCount()
	maxConnections := h.hub.config.MaxConnections

	status := "healthy"
	if totalConnections >= maxConnections*9/10 { // 90%以上认为警告
		status = "warning"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"total_connections": totalConnections,
		"max_connections":   maxConnections,
		"connection_usage":  float64(totalConnections) / float64(maxConnections) * 100,
		"hub_running":       true,
		"timestamp":         time.Now().Unix(),
	})
}
