package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// newUpgrader 根据配置创建WebSocket升级器
func newUpgrader(cfg *Config) websocket.Upgrader {
	up := websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 在生产环境中应该检查Origin
			return true
		},
		EnableCompression: cfg.EnableCompression,
	}
	return up
}

// NewConnection 创建连接实例，conn 可以为空（测试场景）
func NewConnection(hub *Hub, conn *websocket.Conn) *Connection {
	return &Connection{
		ID:       generateConnectionID(),
		Conn:     conn,
		Send:     make(chan []byte, hub.config.MessageBufferSize),
		Hub:      hub,
		LastPing: time.Now(),
		Groups:   make(map[string]bool),
	}
}

// HandleWebSocket 处理WebSocket连接，身份通过 identify 事件绑定
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request) {
	// 升级HTTP连接为WebSocket
	upgrader := newUpgrader(hub.config)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Errorf("WebSocket升级失败: %v", err)
		return
	}

	// 压缩设置
	if hub.config.EnableCompression {
		conn.EnableWriteCompression(true)
		if hub.config.CompressionLevel != 0 {
			_ = conn.SetCompressionLevel(hub.config.CompressionLevel)
		}
	}

	connection := NewConnection(hub, conn)
	if err := hub.Register(connection); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	// 启动读写协程
	go connection.writePump()
	go connection.readPump()
}

// generateConnectionID 生成唯一的连接ID
func generateConnectionID() string {
	return "conn_" + uuid.NewString()
}

// UserID 已绑定的用户ID，未 identify 时为空
func (c *Connection) UserID() string {
	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	return c.userID
}

// IsAlive 连接是否仍可用
func (c *Connection) IsAlive() bool { return c.alive.Load() }

// readPump 读取消息的协程
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(int64(c.Hub.config.MaxMessageSize))
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.touch()
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.Errorf("WebSocket读取错误: %v", err)
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ConnectionTimeout))

		// 处理接收到的消息
		c.handleMessage(message)
	}
}

// writePump 发送消息的协程
func (c *Connection) writePump() {
	var ticker *time.Ticker
	if !c.Hub.config.EnableGlobalPing {
		interval := c.Hub.config.HeartbeatInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		pingEvery := time.Duration(float64(interval) * 0.9)
		ticker = time.NewTicker(pingEvery)
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		c.Conn.Close()
	}()

	var tick <-chan time.Time
	if ticker != nil {
		tick = ticker.C
	}

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// 每条事件单独一帧，客户端按帧解析 JSON
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-tick:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.LastPing = time.Now()
	c.mu.Unlock()
}

// handleMessage 处理接收到的消息
func (c *Connection) handleMessage(message []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Type == "" {
		logrus.Warnf("消息解析失败: %v", err)
		_ = c.SendMessage(&Message{Type: MessageTypeError, Data: map[string]string{
			"event": "", "code": "InvalidArgument", "message": "malformed frame",
		}})
		return
	}

	c.touch()

	switch msg.Type {
	case MessageTypePing:
		c.handlePing()
	default:
		d := c.Hub.getDispatcher()
		if d == nil {
			logrus.Warnf("未设置分发器，丢弃消息类型: %s", msg.Type)
			return
		}
		d.Dispatch(c, msg.Type, msg.Data)
	}
}

// handlePing 处理ping消息
func (c *Connection) handlePing() {
	if err := c.SendMessage(&Message{Type: MessageTypePong}); err != nil {
		logrus.Warnf("连接 %s 发送pong失败: %v", c.ID, err)
	}
}

// SendMessage 发送消息给当前连接，已注销的连接返回错误
func (c *Connection) SendMessage(message *Message) error {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	c.Hub.mu.RLock()
	defer c.Hub.mu.RUnlock()
	if _, ok := c.Hub.connections[c.ID]; !ok {
		return errConnectionClosed
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// JoinGroup 加入组（仅当前连接）
func (c *Connection) JoinGroup(groupName string) {
	c.Hub.mu.Lock()
	defer c.Hub.mu.Unlock()
	c.Hub.joinGroupLocked(c, groupName)
}

// LeaveGroup 离开组
func (c *Connection) LeaveGroup(groupName string) {
	c.mu.Lock()
	delete(c.Groups, groupName)
	c.mu.Unlock()

	c.Hub.mu.Lock()
	c.Hub.dropFromGroupLocked(groupName, c.ID)
	c.Hub.mu.Unlock()
}

// IsInGroup 检查是否在指定组中
func (c *Connection) IsInGroup(groupName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Groups[groupName]
}

// GetGroups 获取连接所属的组
func (c *Connection) GetGroups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make([]string, 0, len(c.Groups))
	for group := range c.Groups {
		groups = append(groups, group)
	}
	return groups
}
