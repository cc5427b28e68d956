package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"CareLink/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Message 出站消息结构
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	To        string      `json:"-"`
	Group     string      `json:"-"`
}

// inboundMessage 入站帧，data 原样交给 Dispatcher 解析
type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Dispatcher 接收业务事件，由上层协调器实现
type Dispatcher interface {
	Dispatch(conn *Connection, event string, data json.RawMessage)
	Disconnected(connID, userID string)
}

// Connection 表示一个WebSocket连接
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	LastPing time.Time
	alive    atomic.Bool
	// userID 由 Hub.Bind 在 h.mu 下写入
	userID string
	mu     sync.RWMutex
	Groups map[string]bool
}

var (
	errConnectionClosed = errors.New(ErrConnectionClosed)
	errSendBufferFull   = errors.New(ErrSendBufferFull)
	errLimitExceeded    = errors.New(ErrConnectionLimitExceeded)
)

// Hub 管理所有WebSocket连接
type Hub struct {
	// 注册的连接
	connections map[string]*Connection
	// 用户ID到连接ID的映射
	userConnections map[string]map[string]bool
	// 组到连接ID的映射
	groupConnections map[string]map[string]bool
	// 用户订阅的房间，身份绑定后自动加入
	userRooms map[string]map[string]bool
	// 广播消息通道
	broadcast chan *Message
	// 注销连接通道
	unregister chan *Connection
	// 连接计数
	connectionCount int64
	// 配置
	config *Config
	// 互斥锁
	mu sync.RWMutex
	// 上下文
	ctx    context.Context
	cancel context.CancelFunc

	dispatcher atomic.Value // dispatcherHolder

	// shards and locks to reduce contention when fanout
	shardCount int
	shardConns []map[string]*Connection
	shardLocks []sync.RWMutex

	// broadcast worker pool
	broadcastJobs chan broadcastJob

	// global ping
	pingJobs chan int
}

type dispatcherHolder struct{ d Dispatcher }

const (
	_broadcastAll = iota
)

type broadcastJob struct {
	kind  int
	shard int
	data  []byte
}

// NewHub 创建新的Hub实例
func NewHub(config *Config) *Hub {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	hub := &Hub{
		connections:      make(map[string]*Connection),
		userConnections:  make(map[string]map[string]bool),
		groupConnections: make(map[string]map[string]bool),
		userRooms:        make(map[string]map[string]bool),
		broadcast:        make(chan *Message, config.MessageQueueSize),
		unregister:       make(chan *Connection, 1000),
		config:           config,
		ctx:              ctx,
		cancel:           cancel,
	}

	// init shards
	if hub.config.ShardCount <= 0 {
		hub.config.ShardCount = 1
	}
	hub.shardCount = hub.config.ShardCount
	hub.shardConns = make([]map[string]*Connection, hub.shardCount)
	hub.shardLocks = make([]sync.RWMutex, hub.shardCount)
	for i := 0; i < hub.shardCount; i++ {
		hub.shardConns[i] = make(map[string]*Connection)
	}

	// init broadcast workers
	if hub.config.BroadcastWorkerCount <= 0 {
		hub.config.BroadcastWorkerCount = 1
	}
	hub.broadcastJobs = make(chan broadcastJob, hub.config.MessageQueueSize)
	for i := 0; i < hub.config.BroadcastWorkerCount; i++ {
		go hub.broadcastWorker()
	}

	// init global ping workers
	if hub.config.EnableGlobalPing {
		if hub.config.PingWorkerCount <= 0 {
			hub.config.PingWorkerCount = 1
		}
		hub.pingJobs = make(chan int, hub.shardCount)
		for i := 0; i < hub.config.PingWorkerCount; i++ {
			go hub.pingWorker()
		}
	}

	go hub.run()
	return hub
}

// SetDispatcher 设置业务事件分发器
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher.Store(dispatcherHolder{d: d})
}

func (h *Hub) getDispatcher() Dispatcher {
	if v, ok := h.dispatcher.Load().(dispatcherHolder); ok {
		return v.d
	}
	return nil
}

// run Hub主循环
func (h *Hub) run() {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case conn := <-h.unregister:
			h.unregisterConnection(conn)
		case message := <-h.broadcast:
			// 单次序列化减少重复开销
			if message.Timestamp == 0 {
				message.Timestamp = time.Now().UnixMilli()
			}
			data, err := json.Marshal(message)
			if err != nil {
				logrus.Errorf("消息序列化失败: %v", err)
				continue
			}
			switch {
			case message.To != "":
				h.sendToUser(message.To, data)
			case message.Group != "":
				h.sendToGroup(message.Group, data)
			default:
				h.enqueueBroadcastAll(data)
			}
		case <-ticker.C:
			if h.config.EnableGlobalPing {
				// 使用分片维度触发 ping
				for i := 0; i < h.shardCount; i++ {
					select {
					case h.pingJobs <- i:
					default:
					}
				}
			}
			h.checkHeartbeats()
		}
	}
}

// pingWorker 全局心跳worker
func (h *Hub) pingWorker() {
	for shard := range h.pingJobs {
		h.shardLocks[shard].RLock()
		for _, conn := range h.shardConns[shard] {
			if conn.alive.Load() && conn.Conn != nil {
				_ = conn.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			}
		}
		h.shardLocks[shard].RUnlock()
	}
}

// Register 同步注册连接，保证随后到达的 identify 能找到连接
func (h *Hub) Register(conn *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// 检查最大连接数
	if atomic.LoadInt64(&h.connectionCount) >= h.config.MaxConnections {
		logrus.Warnf("达到最大连接数限制: %d", h.config.MaxConnections)
		return errLimitExceeded
	}

	conn.alive.Store(true)
	h.connections[conn.ID] = conn
	n := atomic.AddInt64(&h.connectionCount, 1)

	// 放入分片
	sh := h.shardIndex(conn.ID)
	h.shardLocks[sh].Lock()
	h.shardConns[sh][conn.ID] = conn
	h.shardLocks[sh].Unlock()

	if conn.userID != "" {
		h.bindLocked(conn, conn.userID)
	}
	metrics.Global().SetWSConnections(int(n))

	logrus.Infof("WebSocket连接已注册: %s, 当前连接数: %d", conn.ID, n)
	return nil
}

// Bind 将连接绑定到用户身份，并加入该用户订阅的房间
func (h *Hub) Bind(conn *Connection, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return errConnectionClosed
	}
	if conn.userID != "" && conn.userID != userID {
		// 换身份：先离开旧身份的所有房间
		h.detachUserLocked(conn)
	}
	h.bindLocked(conn, userID)
	logrus.Infof("连接 %s 绑定用户 %s", conn.ID, userID)
	return nil
}

func (h *Hub) bindLocked(conn *Connection, userID string) {
	conn.userID = userID
	if h.userConnections[userID] == nil {
		h.userConnections[userID] = make(map[string]bool)
	}
	h.userConnections[userID][conn.ID] = true
	for room := range h.userRooms[userID] {
		h.joinGroupLocked(conn, room)
	}
}

func (h *Hub) detachUserLocked(conn *Connection) {
	if set := h.userConnections[conn.userID]; set != nil {
		delete(set, conn.ID)
		if len(set) == 0 {
			delete(h.userConnections, conn.userID)
		}
	}
	conn.mu.Lock()
	groups := conn.Groups
	conn.Groups = make(map[string]bool)
	conn.mu.Unlock()
	for group := range groups {
		h.dropFromGroupLocked(group, conn.ID)
	}
	conn.userID = ""
}

func (h *Hub) joinGroupLocked(conn *Connection, group string) {
	conn.mu.Lock()
	conn.Groups[group] = true
	conn.mu.Unlock()
	if h.groupConnections[group] == nil {
		h.groupConnections[group] = make(map[string]bool)
	}
	h.groupConnections[group][conn.ID] = true
}

func (h *Hub) dropFromGroupLocked(group, connID string) {
	if h.groupConnections[group] != nil {
		delete(h.groupConnections[group], connID)
		if len(h.groupConnections[group]) == 0 {
			delete(h.groupConnections, group)
		}
	}
}

// unregisterConnection 注销连接
func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	if _, exists := h.connections[conn.ID]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.connections, conn.ID)
	n := atomic.AddInt64(&h.connectionCount, -1)
	conn.alive.Store(false)

	// 从分片移除
	sh := h.shardIndex(conn.ID)
	h.shardLocks[sh].Lock()
	delete(h.shardConns[sh], conn.ID)
	h.shardLocks[sh].Unlock()

	userID := conn.userID
	if userID != "" {
		h.detachUserLocked(conn)
	} else {
		conn.mu.RLock()
		for group := range conn.Groups {
			h.dropFromGroupLocked(group, conn.ID)
		}
		conn.mu.RUnlock()
	}

	close(conn.Send)
	h.mu.Unlock()

	metrics.Global().SetWSConnections(int(n))
	logrus.Infof("WebSocket连接已注销: %s, 当前连接数: %d", conn.ID, n)

	if d := h.getDispatcher(); d != nil {
		go d.Disconnected(conn.ID, userID)
	}
}

// ToActor 推送给某个用户的全部连接
func (h *Hub) ToActor(actorID, event string, payload interface{}) {
	h.enqueue(&Message{Type: event, Data: payload, To: actorID})
}

// ToRoom 推送给房间
func (h *Hub) ToRoom(room, event string, payload interface{}) {
	h.enqueue(&Message{Type: event, Data: payload, Group: room})
}

// Broadcast 推送给全部连接
func (h *Hub) Broadcast(event string, payload interface{}) {
	h.enqueue(&Message{Type: event, Data: payload})
}

func (h *Hub) enqueue(m *Message) {
	m.Timestamp = time.Now().UnixMilli()
	select {
	case h.broadcast <- m:
	case <-h.ctx.Done():
	default:
		logrus.Warnf("消息队列已满，事件 %s 被丢弃", m.Type)
	}
}

// JoinRoom 用户订阅房间，当前及之后绑定的连接都会加入
func (h *Hub) JoinRoom(actorID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.userRooms[actorID] == nil {
		h.userRooms[actorID] = make(map[string]bool)
	}
	h.userRooms[actorID][room] = true
	for connID := range h.userConnections[actorID] {
		if conn, ok := h.connections[connID]; ok {
			h.joinGroupLocked(conn, room)
		}
	}
}

// LeaveRoom 用户退订房间
func (h *Hub) LeaveRoom(actorID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rooms := h.userRooms[actorID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.userRooms, actorID)
		}
	}
	for connID := range h.userConnections[actorID] {
		if conn, ok := h.connections[connID]; ok {
			conn.mu.Lock()
			delete(conn.Groups, room)
			conn.mu.Unlock()
			h.dropFromGroupLocked(room, connID)
		}
	}
}

// SendToConnection 直接回复某个连接（identify 确认、错误拒绝）
func (h *Hub) SendToConnection(connID, event string, payload interface{}) error {
	data, err := json.Marshal(&Message{Type: event, Data: payload, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[connID]
	if !ok {
		return errConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// sendToUser 发送消息给特定用户
func (h *Hub) sendToUser(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if connections, exists := h.userConnections[userID]; exists {
		for connID := range connections {
			if conn, ok := h.connections[connID]; ok && conn.alive.Load() {
				h.trySend(conn, data, func() { logrus.Warnf("用户 %s 的连接 %s 发送缓冲区已满", userID, connID) })
			}
		}
	}
}

// sendToGroup 发送消息给特定组
func (h *Hub) sendToGroup(group string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if connections, exists := h.groupConnections[group]; exists {
		for connID := range connections {
			if conn, ok := h.connections[connID]; ok && conn.alive.Load() {
				h.trySend(conn, data, func() { logrus.Warnf("组 %s 的连接 %s 发送缓冲区已满", group, connID) })
			}
		}
	}
}

// checkHeartbeats 检查心跳
func (h *Hub) checkHeartbeats() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	for _, conn := range h.connections {
		conn.mu.RLock()
		last := conn.LastPing
		conn.mu.RUnlock()
		if now.Sub(last) > h.config.ConnectionTimeout {
			logrus.Warnf("连接 %s 心跳超时，准备关闭", conn.ID)
			conn.alive.Store(false)
			if conn.Conn != nil {
				conn.Conn.Close()
			}
		}
	}
}

// GetConnectionCount 获取当前连接数
func (h *Hub) GetConnectionCount() int64 {
	return atomic.LoadInt64(&h.connectionCount)
}

// GetUserConnections 获取用户的连接数
func (h *Hub) GetUserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConnections[userID])
}

// GetGroupConnections 获取组的连接数
func (h *Hub) GetGroupConnections(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groupConnections[group])
}

// Config 返回当前配置
func (h *Hub) Config() *Config { return h.config }

// Close 关闭Hub
func (h *Hub) Close() {
	h.cancel()

	// 关闭所有连接
	h.mu.Lock()
	for _, conn := range h.connections {
		if conn.Conn != nil {
			conn.Conn.Close()
		}
	}
	h.mu.Unlock()

	logrus.Info("WebSocket Hub已关闭")
}

// shardIndex 计算分片索引
func (h *Hub) shardIndex(id string) int {
	if h.shardCount <= 1 {
		return 0
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id))
	return int(hasher.Sum32() % uint32(h.shardCount))
}

// enqueueBroadcastAll 将广播任务按分片入队
func (h *Hub) enqueueBroadcastAll(data []byte) {
	for i := 0; i < h.shardCount; i++ {
		select {
		case h.broadcastJobs <- broadcastJob{kind: _broadcastAll, shard: i, data: data}:
		default:
			logrus.Warnf("广播作业队列已满，消息被丢弃")
		}
	}
}

// broadcastWorker 广播worker
func (h *Hub) broadcastWorker() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case job := <-h.broadcastJobs:
			switch job.kind {
			case _broadcastAll:
				h.shardLocks[job.shard].RLock()
				for _, conn := range h.shardConns[job.shard] {
					if conn.alive.Load() {
						h.trySend(conn, job.data, func() { logrus.Debugf("连接 %s 发送缓冲区满，已按策略处理", conn.ID) })
					}
				}
				h.shardLocks[job.shard].RUnlock()
			}
		}
	}
}

// trySend 背压策略
func (h *Hub) trySend(conn *Connection, data []byte, onDrop func()) {
	if h.config.DropOnFull {
		select {
		case conn.Send <- data:
		default:
			onDrop()
			if h.config.CloseOnBackpressure && conn.Conn != nil {
				conn.Conn.Close()
			}
		}
		return
	}
	// 非丢弃模式：限定等待时长
	timeout := h.config.SendTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	select {
	case conn.Send <- data:
	case <-time.After(timeout):
		onDrop()
		if h.config.CloseOnBackpressure && conn.Conn != nil {
			conn.Conn.Close()
		}
	}
}
