// Package sos 管理 SOS 警报的状态机与分阶段升级计时器。
//
// 每条未被接手的警报挂三个计时器：单次自动升级、stage1、stage2。
// 警报离开活跃状态组时三个计时器一起取消；计时器触发时在引擎锁内
// 重新检查状态，取消之后的触发不会产生任何变化。
package sos

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"CareLink/internal/directory"
	"CareLink/internal/models"
	"CareLink/internal/presence"
	"CareLink/internal/realtime"
	"CareLink/internal/store"
	"CareLink/pkg/config"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/i18n"
	"CareLink/pkg/metrics"
	"CareLink/pkg/notification"
	"CareLink/pkg/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 出站事件
const (
	EventSOSNew      = "sos:new"
	EventSOSAccepted = "sos:accepted"
	EventSOSAssigned = "sos:assigned"
	EventSOSUpdated  = "sos:updated"
)

// 房间封装的 type/action
const (
	envelopeType = "sos"

	ActionNew           = "new"
	ActionAccepted      = "accepted"
	ActionStatus        = "status"
	ActionEscalated     = "escalated"
	ActionAutoEscalated = "auto_escalated"
	ActionAssigned      = "assigned"
	ActionClosed        = "closed"
)

// Profiles 档案查询，由 directory 实现
type Profiles interface {
	Senior(ctx context.Context, id string) (directory.Senior, error)
	Volunteer(ctx context.Context, id string) (directory.Volunteer, error)
}

type Deps struct {
	Scheduler  *scheduler.Scheduler
	Escalation config.EscalationConfig
	Profiles   Profiles
	Presence   *presence.Registry
	Store      *store.Negotiator
	Emitter    realtime.Emitter
	Notifier   *notification.Notifier
	I18n       *i18n.I18nSupport
	Language   string
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

type Engine struct {
	mu       sync.Mutex
	alerts   map[string]*Alert
	bySenior map[string]string // seniorID -> 活跃警报
	timers   map[string]*timerSet

	sched    *scheduler.Scheduler
	delays   config.EscalationConfig
	profiles Profiles
	presence *presence.Registry
	neg      *store.Negotiator
	emitter  realtime.Emitter
	notifier *notification.Notifier
	i18n     *i18n.I18nSupport
	lang     string
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(d Deps) *Engine {
	e := &Engine{
		alerts:   make(map[string]*Alert),
		bySenior: make(map[string]string),
		timers:   make(map[string]*timerSet),
		sched:    d.Scheduler,
		delays:   d.Escalation,
		profiles: d.Profiles,
		presence: d.Presence,
		neg:      d.Store,
		emitter:  d.Emitter,
		notifier: d.Notifier,
		i18n:     d.I18n,
		lang:     d.Language,
		log:      d.Log,
		metrics:  d.Metrics,
	}
	if e.sched == nil {
		e.sched = scheduler.New()
	}
	if e.emitter == nil {
		e.emitter = realtime.Nop{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.delays.AutoDelay <= 0 {
		e.delays.AutoDelay = 60 * time.Second
	}
	if e.delays.Stage1Delay <= 0 {
		e.delays.Stage1Delay = 180 * time.Second
	}
	if e.delays.Stage2Delay <= 0 {
		e.delays.Stage2Delay = 420 * time.Second
	}
	return e
}

// Raise 发起 SOS。该老人已有活跃警报时原样返回，created 为 false。
func (e *Engine) Raise(ctx context.Context, in RaiseInput) (Alert, bool, error) {
	if in.SeniorID == "" {
		return Alert{}, false, apperrors.WithCode(apperrors.CodeInvalidArgument, "seniorId is required")
	}
	if a, ok := e.ActiveForSenior(in.SeniorID); ok {
		return a, false, nil
	}

	senior := e.seniorProfile(ctx, in.SeniorID)
	persisted := e.findPersistedActive(ctx, in.SeniorID)
	now := e.sched.Now()

	e.mu.Lock()
	if id, ok := e.bySenior[in.SeniorID]; ok {
		a := e.alerts[id].clone()
		e.mu.Unlock()
		return a, false, nil
	}
	if persisted != nil {
		// 上一进程留下的活跃警报，接管而不是重复创建
		persisted.SeniorName, persisted.NGOID, persisted.Region = senior.Name, senior.NGOID, senior.Region
		e.alerts[persisted.ID] = persisted
		e.bySenior[in.SeniorID] = persisted.ID
		if awaiting(persisted) {
			e.scheduleLocked(persisted, now.Sub(persisted.CreatedAt))
		}
		a := persisted.clone()
		n := len(e.bySenior)
		e.mu.Unlock()
		e.metrics.SetSOSActive(n)
		e.log.Info("adopted persisted sos alert", zap.String("alert_id", a.ID), zap.String("senior_id", a.SeniorID))
		return a, false, nil
	}

	phones := in.EmergencyPhones
	if len(phones) == 0 {
		phones = senior.EmergencyPhones
	}
	alert := &Alert{
		ID:              uuid.NewString(),
		SeniorID:        in.SeniorID,
		SeniorName:      senior.Name,
		NGOID:           senior.NGOID,
		Region:          senior.Region,
		Status:          models.SOSStatusRaised,
		EscalationLevel: models.EscalationNone,
		Message:         in.Message,
		Type:            in.Type,
		Location:        in.Location,
		EmergencyPhones: append([]string(nil), phones...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.alerts[alert.ID] = alert
	e.bySenior[in.SeniorID] = alert.ID
	e.scheduleLocked(alert, 0)
	a := alert.clone()
	n := len(e.bySenior)
	e.mu.Unlock()

	e.metrics.RecordSOSRaised()
	e.metrics.SetSOSActive(n)
	if e.neg != nil {
		_, _ = e.neg.TryInsert(ctx, models.TableSOSAlerts, toRecord(&a))
	}
	e.notifyRaised(ctx, a, senior)
	e.log.Info("sos raised", zap.String("alert_id", a.ID), zap.String("senior_id", a.SeniorID))
	return a, true, nil
}

// Acknowledge 志愿者接手；内存中先判定胜负，再以 volunteer_id IS NULL 为条件写库
func (e *Engine) Acknowledge(ctx context.Context, alertID, volunteerID string) (Alert, error) {
	if volunteerID == "" {
		return Alert{}, apperrors.WithCode(apperrors.CodeInvalidArgument, "volunteerId is required")
	}
	now := e.sched.Now()

	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return Alert{}, notFound(alertID)
	}
	if alert.VolunteerID != "" || !IsActive(alert.Status) {
		e.mu.Unlock()
		return Alert{}, apperrors.ErrAlreadyAcknowledged
	}
	alert.VolunteerID = volunteerID
	alert.Status = models.SOSStatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.UpdatedAt = now
	e.cancelTimersLocked(alertID)
	a := alert.clone()
	e.mu.Unlock()

	if winner, lost := e.persistAcknowledge(ctx, a, now); lost {
		e.mu.Lock()
		if alert.VolunteerID == volunteerID {
			alert.VolunteerID = winner
		}
		e.mu.Unlock()
		e.log.Warn("sos acknowledged elsewhere", zap.String("alert_id", alertID), zap.String("winner", winner))
		return Alert{}, apperrors.ErrAlreadyAcknowledged
	}

	e.emitter.ToActor(a.SeniorID, EventSOSAccepted, a)
	e.emitter.ToActor(volunteerID, EventSOSAssigned, a)
	e.publish(ActionAccepted, a)
	e.notifier.Push(a.SeniorID,
		e.i18n.T(e.lang, "sos.accepted.title", nil),
		e.i18n.T(e.lang, "sos.accepted.body", nil),
		map[string]string{"alertId": a.ID})
	return a, nil
}

// persistAcknowledge 条件更新没命中且库里已是别的志愿者时返回 lost
func (e *Engine) persistAcknowledge(ctx context.Context, a Alert, now time.Time) (string, bool) {
	if e.neg == nil {
		return "", false
	}
	rows, err := e.neg.TryUpdate(ctx, models.TableSOSAlerts,
		store.Filter{"id": a.ID, "volunteer_id": nil},
		store.Record{
			"volunteer_id":    a.VolunteerID,
			"status":          models.SOSStatusAcknowledged,
			"acknowledged_at": now.UTC(),
			"updated_at":      now.UTC(),
		})
	if err != nil || rows > 0 {
		return "", false
	}
	rec, err := e.neg.Store().FindOne(ctx, models.TableSOSAlerts, store.Filter{"id": a.ID})
	if err != nil {
		// 记录缺失或读失败，内存结果为准
		e.metrics.RecordStorageDegraded(models.TableSOSAlerts, "acknowledge")
		return "", false
	}
	winner := rec.String("volunteer_id")
	if winner == "" || winner == a.VolunteerID {
		return "", false
	}
	return winner, true
}

// SetStatus 状态迁移：in_progress 需要已有接手的志愿者；resolved/closed 需要当前处于活跃状态
func (e *Engine) SetStatus(ctx context.Context, alertID, next string, actor Actor, notes string) (Alert, error) {
	switch next {
	case models.SOSStatusInProgress, models.SOSStatusResolved, models.SOSStatusClosed:
	case models.SOSStatusRaised, models.SOSStatusAcknowledged, models.SOSStatusEscalated:
		return Alert{}, apperrors.WithCodef(apperrors.CodeIllegalTransition, "cannot set status %s directly", next)
	default:
		return Alert{}, apperrors.WithCodef(apperrors.CodeInvalidArgument, "unknown status %s", next)
	}
	now := e.sched.Now()

	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return Alert{}, notFound(alertID)
	}
	if err := authorize(alert, actor); err != nil {
		e.mu.Unlock()
		return Alert{}, err
	}
	if !IsActive(alert.Status) {
		e.mu.Unlock()
		return Alert{}, apperrors.WithCodef(apperrors.CodeIllegalTransition, "alert is %s", alert.Status)
	}
	if next == models.SOSStatusInProgress && alert.VolunteerID == "" {
		e.mu.Unlock()
		return Alert{}, apperrors.WithCode(apperrors.CodeIllegalTransition, "in_progress requires an assigned volunteer")
	}
	alert.Status = next
	alert.UpdatedAt = now
	if notes != "" {
		alert.ResolutionNotes = notes
	}
	if isTerminal(next) {
		alert.ResolvedAt = &now
		e.cancelTimersLocked(alertID)
		e.releaseLocked(alert)
	}
	a := alert.clone()
	n := len(e.bySenior)
	e.mu.Unlock()

	e.metrics.SetSOSActive(n)
	patch := store.Record{"status": next, "updated_at": now.UTC()}
	if isTerminal(next) {
		patch["resolved_at"] = now.UTC()
	}
	if notes != "" {
		patch["resolution_notes"] = notes
	}
	e.persist(ctx, alertID, patch)

	e.emitter.ToActor(a.SeniorID, EventSOSUpdated, a)
	if a.VolunteerID != "" {
		e.emitter.ToActor(a.VolunteerID, EventSOSUpdated, a)
	}
	action := ActionStatus
	if isTerminal(next) {
		action = ActionClosed
	}
	e.publish(action, a)
	e.log.Info("sos status changed", zap.String("alert_id", alertID), zap.String("status", next), zap.String("actor", actor.ID))
	return a, nil
}

// Resolve SetStatus(resolved) 的简写
func (e *Engine) Resolve(ctx context.Context, alertID string, actor Actor, notes string) (Alert, error) {
	return e.SetStatus(ctx, alertID, models.SOSStatusResolved, actor, notes)
}

// Escalate 人工升级为 admin，与状态无关，不动计时器
func (e *Engine) Escalate(ctx context.Context, alertID, reason string, actor Actor) (Alert, error) {
	now := e.sched.Now()

	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return Alert{}, notFound(alertID)
	}
	if err := authorize(alert, actor); err != nil {
		e.mu.Unlock()
		return Alert{}, err
	}
	if isTerminal(alert.Status) {
		e.mu.Unlock()
		return Alert{}, apperrors.WithCodef(apperrors.CodeIllegalTransition, "alert is %s", alert.Status)
	}
	alert.EscalationLevel = models.EscalationAdmin
	alert.EscalationReason = reason
	alert.EscalatedAt = &now
	alert.UpdatedAt = now
	a := alert.clone()
	e.mu.Unlock()

	e.persist(ctx, alertID, store.Record{
		"escalation_level":  models.EscalationAdmin,
		"escalation_reason": reason,
		"escalated_at":      now.UTC(),
		"updated_at":        now.UTC(),
	})
	e.metrics.RecordEscalation(models.EscalationAdmin)
	e.publish(ActionEscalated, a)
	e.log.Warn("sos escalated to admin", zap.String("alert_id", alertID), zap.String("reason", reason))
	return a, nil
}

// Reassign 管理员指派志愿者，总是取消计时器
func (e *Engine) Reassign(ctx context.Context, alertID, volunteerID string, actor Actor) (Alert, error) {
	if volunteerID == "" {
		return Alert{}, apperrors.WithCode(apperrors.CodeInvalidArgument, "volunteerId is required")
	}
	if !privileged(actor) {
		return Alert{}, apperrors.WithCode(apperrors.CodeForbidden, "reassign requires admin or ngo")
	}
	now := e.sched.Now()

	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return Alert{}, notFound(alertID)
	}
	previous := alert.VolunteerID
	alert.VolunteerID = volunteerID
	if alert.Status == models.SOSStatusRaised || alert.Status == models.SOSStatusEscalated {
		alert.Status = models.SOSStatusAcknowledged
		alert.AcknowledgedAt = &now
	}
	alert.UpdatedAt = now
	e.cancelTimersLocked(alertID)
	a := alert.clone()
	e.mu.Unlock()

	patch := store.Record{"volunteer_id": volunteerID, "updated_at": now.UTC()}
	if a.Status == models.SOSStatusAcknowledged {
		patch["status"] = a.Status
	}
	e.persist(ctx, alertID, patch)

	e.emitter.ToActor(volunteerID, EventSOSAssigned, a)
	if previous != "" && previous != volunteerID {
		e.emitter.ToActor(previous, EventSOSUpdated, a)
	}
	e.emitter.ToActor(a.SeniorID, EventSOSUpdated, a)
	e.publish(ActionAssigned, a)
	return a, nil
}

// ForceClose 管理员强制关闭，警报存在即成功
func (e *Engine) ForceClose(ctx context.Context, alertID, notes string, actor Actor) (Alert, error) {
	if !privileged(actor) {
		return Alert{}, apperrors.WithCode(apperrors.CodeForbidden, "force close requires admin or ngo")
	}
	now := e.sched.Now()

	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok {
		e.mu.Unlock()
		return Alert{}, notFound(alertID)
	}
	alert.Status = models.SOSStatusClosed
	alert.ResolutionNotes = notes
	alert.ResolvedAt = &now
	alert.UpdatedAt = now
	e.cancelTimersLocked(alertID)
	e.releaseLocked(alert)
	a := alert.clone()
	n := len(e.bySenior)
	e.mu.Unlock()

	e.metrics.SetSOSActive(n)
	e.persist(ctx, alertID, store.Record{
		"status":           models.SOSStatusClosed,
		"resolution_notes": notes,
		"resolved_at":      now.UTC(),
		"updated_at":       now.UTC(),
	})
	e.emitter.ToActor(a.SeniorID, EventSOSUpdated, a)
	if a.VolunteerID != "" {
		e.emitter.ToActor(a.VolunteerID, EventSOSUpdated, a)
	}
	e.publish(ActionClosed, a)
	e.log.Info("sos force closed", zap.String("alert_id", alertID), zap.String("actor", actor.ID))
	return a, nil
}

func (e *Engine) Get(alertID string) (Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[alertID]
	if !ok {
		return Alert{}, false
	}
	return a.clone(), true
}

func (e *Engine) ActiveForSenior(seniorID string) (Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.bySenior[seniorID]
	if !ok {
		return Alert{}, false
	}
	return e.alerts[id].clone(), true
}

// ListActive 活跃警报，按创建时间排序
func (e *Engine) ListActive() []Alert {
	e.mu.Lock()
	out := make([]Alert, 0, len(e.bySenior))
	for _, id := range e.bySenior {
		out = append(out, e.alerts[id].clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TimerCount 某警报仍存活的计时器数
func (e *Engine) TimerCount(alertID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timers[alertID].live()
}

// Stop 取消全部计时器
func (e *Engine) Stop() {
	e.mu.Lock()
	for id := range e.timers {
		e.cancelTimersLocked(id)
	}
	e.mu.Unlock()
}

func (e *Engine) releaseLocked(a *Alert) {
	if e.bySenior[a.SeniorID] == a.ID {
		delete(e.bySenior, a.SeniorID)
	}
}

func (e *Engine) persist(ctx context.Context, alertID string, patch store.Record) {
	if e.neg == nil {
		return
	}
	_, _ = e.neg.TryUpdate(ctx, models.TableSOSAlerts, store.Filter{"id": alertID}, patch)
}

func (e *Engine) seniorProfile(ctx context.Context, seniorID string) directory.Senior {
	if e.profiles == nil {
		return directory.Senior{ID: seniorID}
	}
	s, err := e.profiles.Senior(ctx, seniorID)
	if err != nil {
		e.log.Warn("load senior profile", zap.String("senior_id", seniorID), zap.Error(err))
		return directory.Senior{ID: seniorID}
	}
	return s
}

func (e *Engine) findPersistedActive(ctx context.Context, seniorID string) *Alert {
	if e.neg == nil {
		return nil
	}
	recs, err := e.neg.Store().Find(ctx, models.TableSOSAlerts, store.Filter{
		"senior_id": seniorID,
		"status":    e.neg.StatusValues(ActiveStatuses...),
	})
	if err != nil || len(recs) == 0 {
		return nil
	}
	var latest *Alert
	for _, rec := range recs {
		a := fromRecord(e.neg, rec)
		if !IsActive(a.Status) {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	return latest
}

func privileged(actor Actor) bool {
	return actor.Role == presence.RoleAdmin || actor.Role == presence.RoleNGO
}

// authorize 接手的志愿者、管理员、NGO 或警报所属老人
func authorize(a *Alert, actor Actor) error {
	switch actor.Role {
	case presence.RoleAdmin, presence.RoleNGO:
		return nil
	case presence.RoleSenior:
		if actor.ID == a.SeniorID {
			return nil
		}
	case presence.RoleVolunteer:
		if actor.ID != "" && actor.ID == a.VolunteerID {
			return nil
		}
	}
	return apperrors.WithCode(apperrors.CodeForbidden, "not allowed to modify this alert")
}

func notFound(alertID string) error {
	return apperrors.WithCodef(apperrors.CodeNotFound, "sos alert %s not found", alertID)
}

func ngoRoom(ngoID string) string {
	if strings.TrimSpace(ngoID) == "" {
		return ""
	}
	return realtime.NGORoom(ngoID)
}
