// Package coordinator 把 websocket 入站事件分发到在线表、匹配引擎、会话路由和 SOS 引擎
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"CareLink/internal/matching"
	"CareLink/internal/presence"
	"CareLink/internal/realtime"
	"CareLink/internal/session"
	"CareLink/internal/sos"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/websocket"

	"go.uber.org/zap"
)

// 入站事件
const (
	EventIdentify              = "identify"
	EventSeekerRequest         = "seeker:request"
	EventRequestCancel         = "request:cancel"
	EventVolunteerAccept       = "volunteer:accept"
	EventVolunteerAvailability = "volunteer:availability"
	EventChatJoin              = "chat:join"
	EventMessageSend           = "message:send"
	EventChatEnd               = "chat:end"
	EventSOSRaise              = "sos:raise"
	EventSOSAccept             = "sos:accept"
	EventSOSStatus             = "sos:status"
	EventSOSEscalate           = "sos:escalate"
	EventSOSResolve            = "sos:resolve"
)

// 直接回复给发起连接的事件
const (
	EventIdentified = "identified"
	EventSOSRaised  = "sos:raised"
	EventError      = "error"
)

// Transport 连接层，由 websocket.Hub 实现
type Transport interface {
	Bind(conn *websocket.Connection, userID string) error
	SendToConnection(connID, event string, payload interface{}) error
}

// Rejection 不变量被违反时回给调用方
type Rejection struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Identity struct {
	ActorID string        `json:"actorId"`
	Role    presence.Role `json:"role"`
	NGOID   string        `json:"ngoId,omitempty"`
}

type Deps struct {
	Transport Transport
	Emitter   realtime.Emitter
	Presence  *presence.Registry
	Matching  *matching.Engine
	Sessions  *session.Router
	SOS       *sos.Engine
	Log       *zap.Logger
	Timeout   time.Duration
}

type Coordinator struct {
	transport Transport
	emitter   realtime.Emitter
	Presence  *presence.Registry
	Matching  *matching.Engine
	Sessions  *session.Router
	SOS       *sos.Engine
	log       *zap.Logger
	timeout   time.Duration

	mu         sync.RWMutex
	identities map[string]Identity // connID -> 身份
}

func New(d Deps) *Coordinator {
	c := &Coordinator{
		transport:  d.Transport,
		emitter:    d.Emitter,
		Presence:   d.Presence,
		Matching:   d.Matching,
		Sessions:   d.Sessions,
		SOS:        d.SOS,
		log:        d.Log,
		timeout:    d.Timeout,
		identities: make(map[string]Identity),
	}
	if c.emitter == nil {
		c.emitter = realtime.Nop{}
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	return c
}

// Dispatch 实现 websocket.Dispatcher
func (c *Coordinator) Dispatch(conn *websocket.Connection, event string, data json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var err error
	if event == EventIdentify {
		err = c.identify(ctx, conn, data)
	} else if id, ok := c.identity(conn.ID); !ok {
		err = apperrors.WithCode(apperrors.CodeForbidden, "identify first")
	} else {
		err = c.handle(ctx, conn, id, event, data)
	}
	if err != nil {
		c.reject(conn.ID, event, err)
	}
}

// Disconnected 实现 websocket.Dispatcher；会话不随连接断开而结束
func (c *Coordinator) Disconnected(connID, userID string) {
	c.mu.Lock()
	id, ok := c.identities[connID]
	delete(c.identities, connID)
	c.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.Presence.Unregister(ctx, id.ActorID, connID)
}

func (c *Coordinator) identity(connID string) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.identities[connID]
	return id, ok
}

func (c *Coordinator) reject(connID, event string, err error) {
	code := apperrors.GetCode(err)
	if code == 0 {
		c.log.Error("unexpected dispatch error", zap.String("event", event), zap.Error(err))
	}
	rej := Rejection{Event: event, Code: apperrors.CodeName(code), Message: apperrors.GetMessage(err)}
	if sendErr := c.transport.SendToConnection(connID, EventError, rej); sendErr != nil {
		c.log.Debug("rejection not delivered", zap.String("conn_id", connID), zap.Error(sendErr))
	}
}

func (c *Coordinator) reply(connID, event string, payload interface{}) {
	if err := c.transport.SendToConnection(connID, event, payload); err != nil {
		c.log.Debug("reply not delivered", zap.String("conn_id", connID), zap.String("event", event), zap.Error(err))
	}
}

type identifyPayload struct {
	ActorID string `json:"actorId"`
	Role    string `json:"role"`
	NGOID   string `json:"ngoId"`
}

func (c *Coordinator) identify(ctx context.Context, conn *websocket.Connection, data json.RawMessage) error {
	var p identifyPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	role := presence.Role(p.Role)
	if p.ActorID == "" || !role.Valid() {
		return apperrors.WithCode(apperrors.CodeInvalidArgument, "identify requires actorId and a valid role")
	}
	if err := c.transport.Bind(conn, p.ActorID); err != nil {
		return apperrors.Wrap(err, "bind connection")
	}

	id := Identity{ActorID: p.ActorID, Role: role, NGOID: p.NGOID}
	c.mu.Lock()
	prev, had := c.identities[conn.ID]
	c.identities[conn.ID] = id
	c.mu.Unlock()
	if had && prev.ActorID != id.ActorID {
		c.Presence.Unregister(ctx, prev.ActorID, conn.ID)
	}

	for _, room := range RoomsFor(id) {
		c.emitter.JoinRoom(p.ActorID, room)
	}
	if s, ok := c.Sessions.ForVolunteer(p.ActorID); ok {
		_ = c.Sessions.Join(s.ConversationID, p.ActorID)
	}

	newlyOnline := c.Presence.Register(ctx, p.ActorID, role, conn.ID)
	c.reply(conn.ID, EventIdentified, id)
	if newlyOnline && role == presence.RoleVolunteer {
		c.Matching.OnVolunteerOnline(ctx, p.ActorID)
	}
	c.log.Debug("actor identified", zap.String("actor_id", p.ActorID), zap.String("role", p.Role), zap.String("conn_id", conn.ID))
	return nil
}

func decode(data json.RawMessage, out interface{}) error {
	if len(data) == 0 {
		return apperrors.WithCode(apperrors.CodeInvalidArgument, "missing payload")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.WrapCode(apperrors.CodeInvalidArgument, err, "malformed payload")
	}
	return nil
}

// ActingAs 负载里携带的身份必须与连接身份一致，管理员除外
func ActingAs(id Identity, claimed string) (string, error) {
	if claimed == "" || claimed == id.ActorID {
		return id.ActorID, nil
	}
	if id.Role == presence.RoleAdmin {
		return claimed, nil
	}
	return "", apperrors.WithCode(apperrors.CodeForbidden, "cannot act on behalf of another actor")
}

func RequireRole(id Identity, roles ...presence.Role) error {
	for _, r := range roles {
		if id.Role == r {
			return nil
		}
	}
	return apperrors.WithCodef(apperrors.CodeForbidden, "role %s not allowed", id.Role)
}

// RoomsFor 管理员进入 admins 房间，NGO 进入自己的房间
func RoomsFor(id Identity) []string {
	switch id.Role {
	case presence.RoleAdmin:
		return []string{realtime.RoomAdmins}
	case presence.RoleNGO:
		ngo := id.NGOID
		if ngo == "" {
			ngo = id.ActorID
		}
		return []string{realtime.NGORoom(ngo)}
	}
	return nil
}

// Actor SOS 引擎使用的调用方
func (id Identity) Actor() sos.Actor {
	return sos.Actor{ID: id.ActorID, Role: id.Role}
}
