package sos

import (
	"context"

	"CareLink/internal/directory"
	"CareLink/internal/presence"
	"CareLink/internal/realtime"

	"go.uber.org/zap"
)

// publish 管理员房间与所属 NGO 房间的封装广播
func (e *Engine) publish(action string, a Alert) {
	env := realtime.NewEnvelope(envelopeType, action, a, e.sched.Now())
	realtime.PublishEnvelope(e.emitter, env, realtime.RoomAdmins, ngoRoom(a.NGOID))
}

func (e *Engine) seniorLabel(a Alert) string {
	if a.SeniorName != "" {
		return a.SeniorName
	}
	return a.SeniorID
}

// notifyRaised 管理员、NGO、同区域且已审核的在线志愿者
func (e *Engine) notifyRaised(ctx context.Context, a Alert, senior directory.Senior) {
	e.publish(ActionNew, a)

	title := e.i18n.T(e.lang, "sos.new.title", nil)
	body := e.i18n.T(e.lang, "sos.new.body", map[string]interface{}{
		"Senior":  e.seniorLabel(a),
		"Message": a.Message,
	})
	data := map[string]string{"alertId": a.ID, "seniorId": a.SeniorID}
	if a.NGOID != "" {
		e.notifier.Push(a.NGOID, title, body, data)
	}

	for _, v := range e.eligibleVolunteers(ctx, senior.Region) {
		e.emitter.ToActor(v, EventSOSNew, a)
		e.notifier.Push(v, title, body, data)
	}
}

func (e *Engine) eligibleVolunteers(ctx context.Context, region string) []string {
	if e.presence == nil {
		return nil
	}
	var out []string
	for _, id := range e.presence.ListOnline(presence.RoleVolunteer) {
		if e.profiles == nil {
			out = append(out, id)
			continue
		}
		v, err := e.profiles.Volunteer(ctx, id)
		if err != nil {
			e.log.Warn("load volunteer profile", zap.String("volunteer_id", id), zap.Error(err))
			continue
		}
		if !v.Approved {
			continue
		}
		if region != "" && v.Region != region {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (e *Engine) notifyEscalated(a Alert) {
	e.publish(ActionAutoEscalated, a)
	if a.NGOID == "" {
		return
	}
	e.notifier.Push(a.NGOID,
		e.i18n.T(e.lang, "sos.escalated.title", nil),
		e.i18n.T(e.lang, "sos.escalated.body", map[string]interface{}{
			"AlertID": a.ID,
			"Senior":  e.seniorLabel(a),
			"Level":   a.EscalationLevel,
		}),
		map[string]string{"alertId": a.ID, "level": a.EscalationLevel})
}

// pageEmergencyContacts stage2 短信通知紧急联系人
func (e *Engine) pageEmergencyContacts(a Alert) {
	if len(a.EmergencyPhones) == 0 {
		e.log.Warn("no emergency contacts to page", zap.String("alert_id", a.ID))
		return
	}
	e.notifier.SMS(a.EmergencyPhones, e.i18n.T(e.lang, "sos.stage2.sms", map[string]interface{}{
		"Senior":  e.seniorLabel(a),
		"Message": a.Message,
	}))
}
