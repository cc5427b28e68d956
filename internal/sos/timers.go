package sos

import (
	"context"
	"time"

	"CareLink/internal/models"
	"CareLink/internal/store"
	"CareLink/pkg/scheduler"

	"go.uber.org/zap"
)

// timerSet 一条警报的三个计时器
type timerSet struct {
	auto   *scheduler.Handle
	stage1 *scheduler.Handle
	stage2 *scheduler.Handle
}

func (t *timerSet) cancel() {
	if t == nil {
		return
	}
	t.auto.Cancel()
	t.stage1.Cancel()
	t.stage2.Cancel()
}

func (t *timerSet) live() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, h := range []*scheduler.Handle{t.auto, t.stage1, t.stage2} {
		if h != nil && !h.Cancelled() && !h.Fired() {
			n++
		}
	}
	return n
}

// scheduleLocked elapsed 为警报已存在的时长，接管旧警报时只补排尚未达到的阶段。
// 已人工升级到 admin 的警报仍保留未到期的阶段，用于重复通知和短信
func (e *Engine) scheduleLocked(a *Alert, elapsed time.Duration) {
	set := &timerSet{}
	manual := a.EscalationLevel == models.EscalationAdmin
	stage := func(level string, delay time.Duration) *scheduler.Handle {
		if manual && delay <= elapsed && elapsed > 0 {
			return nil
		}
		if !manual && rank(a.EscalationLevel) >= rank(level) {
			return nil
		}
		d := delay - elapsed
		if d < 0 {
			d = 0
		}
		id := a.ID
		return e.sched.After(d, scheduler.FuncJob(func(ctx context.Context) {
			e.fire(ctx, id, level, set)
		}))
	}
	set.auto = stage(models.EscalationAuto, e.delays.AutoDelay)
	set.stage1 = stage(models.EscalationAutoStage1, e.delays.Stage1Delay)
	set.stage2 = stage(models.EscalationAutoStage2, e.delays.Stage2Delay)
	e.timers[a.ID] = set
}

func (e *Engine) cancelTimersLocked(alertID string) {
	if set, ok := e.timers[alertID]; ok {
		set.cancel()
		delete(e.timers, alertID)
	}
}

// fire 计时器回调；警报已被接手、已关闭或计时器已被取消时什么都不做。
// 级别只升不降：当前级别更高时不改标记，但仍重新通知并在 stage2 发短信
func (e *Engine) fire(ctx context.Context, alertID, level string, set *timerSet) {
	now := e.sched.Now()

	e.mu.Lock()
	alert, ok := e.alerts[alertID]
	if !ok || e.timers[alertID] != set || !awaiting(alert) {
		e.mu.Unlock()
		return
	}
	raise := rank(level) > rank(alert.EscalationLevel)
	if raise {
		alert.EscalationLevel = level
		alert.EscalatedAt = &now
		alert.UpdatedAt = now
	}
	if set.live() == 0 {
		delete(e.timers, alertID)
	}
	a := alert.clone()
	e.mu.Unlock()

	if raise {
		e.persist(ctx, alertID, store.Record{
			"escalation_level": level,
			"escalated_at":     now.UTC(),
			"updated_at":       now.UTC(),
		})
		e.metrics.RecordEscalation(level)
	}
	e.notifyEscalated(a)
	if level == models.EscalationAutoStage2 {
		e.pageEmergencyContacts(a)
	}
	e.log.Warn("sos auto escalated", zap.String("alert_id", alertID), zap.String("level", level), zap.Bool("raised", raise))
}
