// Package realtime 定义业务组件向在线用户推送事件的出口
package realtime

import (
	"time"
)

// Emitter 推送出口，由 websocket hub 实现；所有方法 best-effort，不阻塞调用方
type Emitter interface {
	ToActor(actorID, event string, payload interface{})
	ToRoom(room, event string, payload interface{})
	Broadcast(event string, payload interface{})
	JoinRoom(actorID, room string)
	LeaveRoom(actorID, room string)
}

// 房间命名
const (
	RoomAdmins = "admins"

	// EnvelopeEvent 管理端房间统一使用的事件名
	EnvelopeEvent = "envelope"
)

func NGORoom(ngoID string) string { return "ngo:" + ngoID }

func ConversationRoom(conversationID string) string { return "conv:" + conversationID }

// Envelope 管理端/NGO 房间的广播封装
type Envelope struct {
	Type      string      `json:"type"`
	Action    string      `json:"action"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// NewEnvelope 时间戳为毫秒
func NewEnvelope(typ, action string, payload interface{}, now time.Time) Envelope {
	return Envelope{Type: typ, Action: action, Payload: payload, Timestamp: now.UnixMilli()}
}

// PublishEnvelope 向若干房间投递同一封装，空房间名跳过
func PublishEnvelope(em Emitter, env Envelope, rooms ...string) {
	if em == nil {
		return
	}
	for _, room := range rooms {
		if room == "" {
			continue
		}
		em.ToRoom(room, EnvelopeEvent, env)
	}
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) ToActor(string, string, interface{}) {}
func (Nop) ToRoom(string, string, interface{})  {}
func (Nop) Broadcast(string, interface{})       {}
func (Nop) JoinRoom(string, string)             {}
func (Nop) LeaveRoom(string, string)            {}
