// Package matching 持有待处理的求助请求，并把请求原子地分配给志愿者。
//
// 认领的胜负在引擎锁内决定：状态先翻转为 claimed，再去写会话记录；
// 写失败时请求回滚到认领前的快照。
package matching

import (
	"context"
	"sort"
	"sync"
	"time"

	"CareLink/internal/models"
	"CareLink/internal/presence"
	"CareLink/internal/realtime"
	"CareLink/internal/session"
	"CareLink/internal/store"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/i18n"
	"CareLink/pkg/metrics"
	"CareLink/pkg/notification"
	"CareLink/pkg/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	StatusPending = "pending"
	StatusClaimed = "claimed"
)

// 出站事件
const (
	EventSeekerIncoming   = "seeker:incoming"
	EventSeekerQueued     = "seeker:queued"
	EventSessionStarted   = "session:started"
	EventRequestClaimed   = "request:claimed"
	EventRequestCancelled = "request:cancelled"
)

// claim 结果，用作指标标签
const (
	outcomeSuccess        = "success"
	outcomeAlreadyClaimed = "already_claimed"
	outcomeBusy           = "volunteer_busy"
	outcomeStorageFailed  = "storage_failed"
)

// Request 每位老人至多一条
type Request struct {
	SeniorID    string    `json:"seniorId"`
	RequestType string    `json:"requestType"`
	Note        string    `json:"note"`
	Status      string    `json:"status"`
	ClaimedBy   string    `json:"claimedBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	RecordID    string    `json:"-"`
	Seq         uint64    `json:"-"`
}

type RequestPayload struct {
	SeniorID    string `json:"seniorId"`
	RequestType string `json:"requestType"`
	Note        string `json:"note"`
	CreatedAt   int64  `json:"createdAt"`
}

type SessionPayload struct {
	ConversationID string `json:"conversationId"`
	SeniorID       string `json:"seniorId"`
	VolunteerID    string `json:"volunteerId"`
	RequestType    string `json:"requestType"`
}

type ClaimedPayload struct {
	SeniorID    string `json:"seniorId"`
	VolunteerID string `json:"volunteerId"`
}

type CancelledPayload struct {
	SeniorID string `json:"seniorId"`
}

func ValidRequestType(t string) bool {
	switch t {
	case models.RequestChat, models.RequestVoice, models.RequestEmotional:
		return true
	}
	return false
}

// Deps 引擎的协作者，Presence 与 Router 必填
type Deps struct {
	Presence *presence.Registry
	Router   *session.Router
	Store    *store.Negotiator
	Emitter  realtime.Emitter
	Notifier *notification.Notifier
	I18n     *i18n.I18nSupport
	Language string
	Clock    scheduler.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

type Engine struct {
	mu       sync.Mutex
	pending  map[string]*Request
	inflight map[string]string // volunteerID -> seniorID，会话记录写入期间占位
	seq      uint64

	presence *presence.Registry
	router   *session.Router
	neg      *store.Negotiator
	emitter  realtime.Emitter
	notifier *notification.Notifier
	i18n     *i18n.I18nSupport
	lang     string
	clock    scheduler.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(d Deps) *Engine {
	e := &Engine{
		pending:  make(map[string]*Request),
		inflight: make(map[string]string),
		presence: d.Presence,
		router:   d.Router,
		neg:      d.Store,
		emitter:  d.Emitter,
		notifier: d.Notifier,
		i18n:     d.I18n,
		lang:     d.Language,
		clock:    d.Clock,
		log:      d.Log,
		metrics:  d.Metrics,
	}
	if e.emitter == nil {
		e.emitter = realtime.Nop{}
	}
	if e.clock == nil {
		e.clock = scheduler.RealClock
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// Submit 覆盖该老人已有的请求。chat 类型且有空闲志愿者时当场认领，
// 否则推给所有在线志愿者；没有任何志愿者在线时告知老人排队中。
func (e *Engine) Submit(ctx context.Context, seniorID, requestType, note string) (Request, error) {
	if seniorID == "" {
		return Request{}, apperrors.WithCode(apperrors.CodeInvalidArgument, "seniorId is required")
	}
	if requestType == "" {
		requestType = models.RequestChat
	}
	if !ValidRequestType(requestType) {
		return Request{}, apperrors.WithCodef(apperrors.CodeInvalidArgument, "unknown request type %s", requestType)
	}

	now := e.clock.Now()
	e.mu.Lock()
	e.seq++
	req := &Request{
		SeniorID:    seniorID,
		RequestType: requestType,
		Note:        note,
		Status:      StatusPending,
		CreatedAt:   now,
		RecordID:    uuid.NewString(),
		Seq:         e.seq,
	}
	prev := e.pending[seniorID]
	e.pending[seniorID] = req
	n := len(e.pending)
	e.mu.Unlock()
	e.metrics.SetPendingRequests(n)

	if prev != nil && prev.Status == StatusPending {
		e.mirrorStatus(ctx, prev.RecordID, models.RequestStatusCancelled, nil)
	}
	if e.neg != nil {
		_, _ = e.neg.TryInsert(ctx, models.TableHelpRequests, store.Record{
			"id":           req.RecordID,
			"senior_id":    seniorID,
			"request_type": requestType,
			"note":         note,
			"status":       models.RequestStatusPending,
			"created_at":   now.UTC(),
			"updated_at":   now.UTC(),
		})
	}

	volunteers := e.presence.ListOnline(presence.RoleVolunteer)
	if requestType == models.RequestChat {
		if v := e.firstIdle(volunteers); v != "" {
			_, err := e.Claim(ctx, seniorID, v)
			if err == nil {
				return e.snapshot(req), nil
			}
			e.log.Debug("auto match missed", zap.String("senior_id", seniorID), zap.String("volunteer_id", v), zap.Error(err))
		}
	}

	snap, stillPending := e.pendingSnapshot(seniorID, req)
	if !stillPending {
		return snap, nil
	}
	payload := toPayload(snap)
	if len(volunteers) == 0 {
		e.emitter.ToActor(seniorID, EventSeekerQueued, payload)
		return snap, nil
	}
	title := e.i18n.T(e.lang, "request.incoming.title", nil)
	body := e.i18n.T(e.lang, "request.incoming.body", map[string]interface{}{"RequestType": requestType})
	for _, v := range volunteers {
		e.emitter.ToActor(v, EventSeekerIncoming, payload)
		e.notifier.Push(v, title, body, map[string]string{"seniorId": seniorID, "requestType": requestType})
	}
	return snap, nil
}

// Claim 先在锁内翻转状态并占住志愿者，再写会话记录
func (e *Engine) Claim(ctx context.Context, seniorID, volunteerID string) (session.Session, error) {
	if seniorID == "" || volunteerID == "" {
		return session.Session{}, apperrors.WithCode(apperrors.CodeInvalidArgument, "seniorId and volunteerId are required")
	}

	e.mu.Lock()
	req := e.pending[seniorID]
	if req == nil || req.Status != StatusPending {
		e.mu.Unlock()
		e.metrics.RecordClaim(outcomeAlreadyClaimed)
		return session.Session{}, apperrors.ErrAlreadyClaimed
	}
	if _, ok := e.inflight[volunteerID]; ok || e.router.IsVolunteerBusy(volunteerID) {
		e.mu.Unlock()
		e.metrics.RecordClaim(outcomeBusy)
		return session.Session{}, apperrors.ErrVolunteerBusy
	}
	before := *req
	req.Status = StatusClaimed
	req.ClaimedBy = volunteerID
	e.inflight[volunteerID] = seniorID
	e.mu.Unlock()

	now := e.clock.Now()
	sess := session.Session{
		ConversationID: uuid.NewString(),
		SeniorID:       seniorID,
		VolunteerID:    volunteerID,
		RequestType:    before.RequestType,
		StartedAt:      now,
	}
	if err := e.createConversation(ctx, sess); err != nil {
		e.rollback(req, before, volunteerID)
		e.metrics.RecordClaim(outcomeStorageFailed)
		e.log.Warn("claim rolled back", zap.String("senior_id", seniorID), zap.String("volunteer_id", volunteerID), zap.Error(err))
		return session.Session{}, apperrors.WrapCode(apperrors.CodeStorageDegraded, err, "create conversation")
	}

	e.mu.Lock()
	if err := e.router.Open(sess); err != nil {
		e.mu.Unlock()
		e.rollback(req, before, volunteerID)
		e.metrics.RecordClaim(outcomeBusy)
		return session.Session{}, err
	}
	if e.pending[seniorID] == req {
		delete(e.pending, seniorID)
	}
	delete(e.inflight, volunteerID)
	n := len(e.pending)
	e.mu.Unlock()

	e.metrics.SetPendingRequests(n)
	e.metrics.RecordClaim(outcomeSuccess)
	e.announceSession(ctx, sess, before.RecordID, now)
	e.log.Info("request claimed",
		zap.String("senior_id", seniorID),
		zap.String("volunteer_id", volunteerID),
		zap.String("conversation_id", sess.ConversationID))
	return sess, nil
}

func (e *Engine) createConversation(ctx context.Context, s session.Session) error {
	if e.neg == nil {
		return nil
	}
	_, err := e.neg.TryInsert(ctx, models.TableConversations, store.Record{
		"id":           s.ConversationID,
		"senior_id":    s.SeniorID,
		"volunteer_id": s.VolunteerID,
		"request_type": s.RequestType,
		"status":       models.ConversationActive,
		"started_at":   s.StartedAt.UTC(),
		"created_at":   s.StartedAt.UTC(),
		"updated_at":   s.StartedAt.UTC(),
	})
	return err
}

// rollback 只在请求未被新请求覆盖时恢复快照
func (e *Engine) rollback(req *Request, before Request, volunteerID string) {
	e.mu.Lock()
	if e.pending[before.SeniorID] == req {
		*req = before
	}
	if e.inflight[volunteerID] == before.SeniorID {
		delete(e.inflight, volunteerID)
	}
	e.mu.Unlock()
}

// announceSession 会话在 Open 之后已被结束时不再通知双方，只补记请求状态
func (e *Engine) announceSession(ctx context.Context, s session.Session, recordID string, now time.Time) {
	matched := store.Record{
		"volunteer_id": s.VolunteerID,
		"matched_at":   now.UTC(),
	}
	for _, id := range []string{s.SeniorID, s.VolunteerID} {
		if err := e.router.Join(s.ConversationID, id); err != nil {
			e.log.Debug("session gone before announce",
				zap.String("conversation_id", s.ConversationID),
				zap.String("actor_id", id),
				zap.Error(err))
			e.mirrorStatus(ctx, recordID, models.RequestStatusMatched, matched)
			return
		}
	}

	payload := SessionPayload{
		ConversationID: s.ConversationID,
		SeniorID:       s.SeniorID,
		VolunteerID:    s.VolunteerID,
		RequestType:    s.RequestType,
	}
	e.emitter.ToActor(s.SeniorID, EventSessionStarted, payload)
	e.emitter.ToActor(s.VolunteerID, EventSessionStarted, payload)

	claimed := ClaimedPayload{SeniorID: s.SeniorID, VolunteerID: s.VolunteerID}
	for _, v := range e.presence.ListOnline(presence.RoleVolunteer) {
		if v != s.VolunteerID {
			e.emitter.ToActor(v, EventRequestClaimed, claimed)
		}
	}

	title := e.i18n.T(e.lang, "session.started.title", nil)
	body := e.i18n.T(e.lang, "session.started.body", map[string]interface{}{"RequestType": s.RequestType})
	data := map[string]string{"conversationId": s.ConversationID}
	e.notifier.Push(s.SeniorID, title, body, data)
	e.notifier.Push(s.VolunteerID, title, body, data)

	e.mirrorStatus(ctx, recordID, models.RequestStatusMatched, matched)
}

// Cancel 只取消仍在等待的请求，已被认领的请求不受影响
func (e *Engine) Cancel(ctx context.Context, seniorID string) bool {
	e.mu.Lock()
	req := e.pending[seniorID]
	if req == nil || req.Status != StatusPending {
		e.mu.Unlock()
		return false
	}
	delete(e.pending, seniorID)
	n := len(e.pending)
	e.mu.Unlock()
	e.metrics.SetPendingRequests(n)

	payload := CancelledPayload{SeniorID: seniorID}
	e.emitter.ToActor(seniorID, EventRequestCancelled, payload)
	for _, v := range e.presence.ListOnline(presence.RoleVolunteer) {
		e.emitter.ToActor(v, EventRequestCancelled, payload)
	}
	e.mirrorStatus(ctx, req.RecordID, models.RequestStatusCancelled, nil)
	return true
}

// OnVolunteerOnline 按提交先后尝试认领 chat 请求，成功一次即停；
// 仍空闲时把剩余待处理请求补发给该志愿者一次。
func (e *Engine) OnVolunteerOnline(ctx context.Context, volunteerID string) (session.Session, bool) {
	if e.IsVolunteerBusy(volunteerID) {
		return session.Session{}, false
	}
	for _, r := range e.ListPending() {
		if r.RequestType != models.RequestChat {
			continue
		}
		s, err := e.Claim(ctx, r.SeniorID, volunteerID)
		if err == nil {
			return s, true
		}
		if apperrors.HasCode(err, apperrors.CodeVolunteerBusy) {
			return session.Session{}, false
		}
	}

	if e.IsVolunteerBusy(volunteerID) {
		return session.Session{}, false
	}
	for _, r := range e.ListPending() {
		e.emitter.ToActor(volunteerID, EventSeekerIncoming, toPayload(r))
	}
	return session.Session{}, false
}

func (e *Engine) IsVolunteerBusy(volunteerID string) bool {
	e.mu.Lock()
	_, ok := e.inflight[volunteerID]
	e.mu.Unlock()
	return ok || e.router.IsVolunteerBusy(volunteerID)
}

func (e *Engine) Pending(seniorID string) (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.pending[seniorID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// ListPending 状态为 pending 的请求，按提交先后排序
func (e *Engine) ListPending() []Request {
	e.mu.Lock()
	out := make([]Request, 0, len(e.pending))
	for _, r := range e.pending {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (e *Engine) firstIdle(volunteers []string) string {
	for _, v := range volunteers {
		if !e.IsVolunteerBusy(v) {
			return v
		}
	}
	return ""
}

func (e *Engine) snapshot(req *Request) Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *req
}

// pendingSnapshot 请求仍是当前请求且仍在等待时返回 true
func (e *Engine) pendingSnapshot(seniorID string, req *Request) (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *req, e.pending[seniorID] == req && req.Status == StatusPending
}

func (e *Engine) mirrorStatus(ctx context.Context, recordID, status string, extra store.Record) {
	if e.neg == nil || recordID == "" {
		return
	}
	patch := store.Record{"status": status, "updated_at": e.clock.Now().UTC()}
	for k, v := range extra {
		patch[k] = v
	}
	_, _ = e.neg.TryUpdate(ctx, models.TableHelpRequests, store.Filter{"id": recordID}, patch)
}

func toPayload(r Request) RequestPayload {
	return RequestPayload{
		SeniorID:    r.SeniorID,
		RequestType: r.RequestType,
		Note:        r.Note,
		CreatedAt:   r.CreatedAt.UnixMilli(),
	}
}
