// Package session 管理配对后的会话通道：消息转发与通话信令透传
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"CareLink/internal/models"
	"CareLink/internal/realtime"
	"CareLink/internal/store"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/metrics"
	"CareLink/pkg/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 出站事件
const (
	EventMessageNew = "message:new"
	EventChatEnded  = "chat:ended"
)

// Session 一位老人与一位志愿者的实时配对
type Session struct {
	ConversationID string    `json:"conversationId"`
	SeniorID       string    `json:"seniorId"`
	VolunteerID    string    `json:"volunteerId"`
	RequestType    string    `json:"requestType"`
	StartedAt      time.Time `json:"startedAt"`
}

func (s Session) HasMember(actorID string) bool {
	return actorID != "" && (actorID == s.SeniorID || actorID == s.VolunteerID)
}

// Peer 会话中的另一方
func (s Session) Peer(actorID string) string {
	if actorID == s.SeniorID {
		return s.VolunteerID
	}
	return s.SeniorID
}

type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
}

type EndedPayload struct {
	ConversationID string `json:"conversationId"`
	EndedBy        string `json:"endedBy"`
}

// Router 会话表；志愿者同一时刻最多属于一个会话
type Router struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byVolunteer map[string]string

	emitter realtime.Emitter
	neg     *store.Negotiator
	clock   scheduler.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRouter(em realtime.Emitter, neg *store.Negotiator, clock scheduler.Clock, log *zap.Logger, m *metrics.Metrics) *Router {
	if em == nil {
		em = realtime.Nop{}
	}
	if clock == nil {
		clock = scheduler.RealClock
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		sessions:    make(map[string]*Session),
		byVolunteer: make(map[string]string),
		emitter:     em,
		neg:         neg,
		clock:       clock,
		log:         log,
		metrics:     m,
	}
}

// Open 登记会话，不做任何推送
func (r *Router) Open(s Session) error {
	if s.ConversationID == "" || s.SeniorID == "" || s.VolunteerID == "" {
		return apperrors.WithCode(apperrors.CodeInvalidArgument, "session requires conversation, senior and volunteer")
	}
	r.mu.Lock()
	if _, ok := r.sessions[s.ConversationID]; ok {
		r.mu.Unlock()
		return apperrors.WithCodef(apperrors.CodeInvalidArgument, "conversation %s already open", s.ConversationID)
	}
	if _, busy := r.byVolunteer[s.VolunteerID]; busy {
		r.mu.Unlock()
		return apperrors.ErrVolunteerBusy
	}
	cp := s
	r.sessions[s.ConversationID] = &cp
	r.byVolunteer[s.VolunteerID] = s.ConversationID
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	return nil
}

// Join 让成员加入会话房间
func (r *Router) Join(conversationID, actorID string) error {
	if _, err := r.member(conversationID, actorID); err != nil {
		return err
	}
	r.emitter.JoinRoom(actorID, realtime.ConversationRoom(conversationID))
	return nil
}

// RelayMessage 先落库再只推给会话房间
func (r *Router) RelayMessage(ctx context.Context, conversationID, senderID, content string) (MessagePayload, error) {
	if content == "" {
		return MessagePayload{}, apperrors.WithCode(apperrors.CodeInvalidArgument, "empty message")
	}
	if _, err := r.member(conversationID, senderID); err != nil {
		return MessagePayload{}, err
	}

	now := r.clock.Now()
	msg := MessagePayload{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now.UnixMilli(),
	}
	if r.neg != nil {
		// 消息历史是尽力而为的镜像
		_, _ = r.neg.TryInsert(ctx, models.TableMessages, store.Record{
			"id":              msg.ID,
			"conversation_id": conversationID,
			"sender_id":       senderID,
			"content":         content,
			"created_at":      now.UTC(),
		})
	}
	r.emitter.ToRoom(realtime.ConversationRoom(conversationID), EventMessageNew, msg)
	r.metrics.RecordMessageRelayed()
	return msg, nil
}

// End 结束会话；权限由调用方判断
func (r *Router) End(ctx context.Context, conversationID, endedBy string) (Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[conversationID]
	if !ok {
		r.mu.Unlock()
		return Session{}, apperrors.WithCodef(apperrors.CodeNotFound, "conversation %s not found", conversationID)
	}
	delete(r.sessions, conversationID)
	if r.byVolunteer[s.VolunteerID] == conversationID {
		delete(r.byVolunteer, s.VolunteerID)
	}
	n := len(r.sessions)
	ended := *s
	r.mu.Unlock()

	r.metrics.SetActiveSessions(n)
	room := realtime.ConversationRoom(conversationID)
	r.emitter.ToRoom(room, EventChatEnded, EndedPayload{ConversationID: conversationID, EndedBy: endedBy})
	r.emitter.LeaveRoom(ended.SeniorID, room)
	r.emitter.LeaveRoom(ended.VolunteerID, room)

	if r.neg != nil {
		now := r.clock.Now().UTC()
		_, _ = r.neg.TryUpdate(ctx, models.TableConversations, store.Filter{"id": conversationID}, store.Record{
			"status":     models.ConversationEnded,
			"ended_by":   endedBy,
			"ended_at":   now,
			"updated_at": now,
		})
	}
	r.log.Info("conversation ended", zap.String("conversation_id", conversationID), zap.String("ended_by", endedBy))
	return ended, nil
}

func (r *Router) member(conversationID, actorID string) (Session, error) {
	s, ok := r.Get(conversationID)
	if !ok {
		return Session{}, apperrors.WithCodef(apperrors.CodeNotFound, "conversation %s not found", conversationID)
	}
	if !s.HasMember(actorID) {
		return Session{}, apperrors.WithCode(apperrors.CodeForbidden, "not a member of this conversation")
	}
	return s, nil
}

func (r *Router) Get(conversationID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[conversationID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (r *Router) ForVolunteer(volunteerID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byVolunteer[volunteerID]
	if !ok {
		return Session{}, false
	}
	return *r.sessions[id], true
}

func (r *Router) IsVolunteerBusy(volunteerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byVolunteer[volunteerID]
	return ok
}

// List 按开始时间排序
func (r *Router) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Rehydrate 启动时从 active 会话记录恢复，冲突的记录跳过
func (r *Router) Rehydrate(ctx context.Context) (int, error) {
	if r.neg == nil {
		return 0, nil
	}
	recs, err := r.neg.Store().Find(ctx, models.TableConversations, store.Filter{
		"status": r.neg.StatusValues(models.ConversationActive),
	})
	if err != nil {
		return 0, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Time("started_at").Before(recs[j].Time("started_at")) })

	restored := 0
	for _, rec := range recs {
		s := Session{
			ConversationID: rec.String("id"),
			SeniorID:       rec.String("senior_id"),
			VolunteerID:    rec.String("volunteer_id"),
			RequestType:    rec.String("request_type"),
			StartedAt:      rec.Time("started_at"),
		}
		if err := r.Open(s); err != nil {
			r.log.Warn("skip conversation on rehydrate", zap.String("conversation_id", s.ConversationID), zap.Error(err))
			continue
		}
		room := realtime.ConversationRoom(s.ConversationID)
		r.emitter.JoinRoom(s.SeniorID, room)
		r.emitter.JoinRoom(s.VolunteerID, room)
		restored++
	}
	return restored, nil
}
