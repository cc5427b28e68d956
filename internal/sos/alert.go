package sos

import (
	"strings"
	"time"

	"CareLink/internal/models"
	"CareLink/internal/presence"
	"CareLink/internal/store"
)

// Alert 内存中的 SOS 警报
type Alert struct {
	ID               string     `json:"id"`
	SeniorID         string     `json:"seniorId"`
	SeniorName       string     `json:"seniorName,omitempty"`
	NGOID            string     `json:"ngoId,omitempty"`
	Region           string     `json:"region,omitempty"`
	Status           string     `json:"status"`
	EscalationLevel  string     `json:"escalationLevel"`
	EscalationReason string     `json:"escalationReason,omitempty"`
	VolunteerID      string     `json:"volunteerId,omitempty"`
	Message          string     `json:"message"`
	Type             string     `json:"type"`
	Location         string     `json:"location,omitempty"`
	EmergencyPhones  []string   `json:"emergencyPhones"`
	ResolutionNotes  string     `json:"resolutionNotes,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	AcknowledgedAt   *time.Time `json:"acknowledgedAt,omitempty"`
	EscalatedAt      *time.Time `json:"escalatedAt,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

func (a *Alert) clone() Alert {
	c := *a
	c.EmergencyPhones = append([]string(nil), a.EmergencyPhones...)
	return c
}

// Actor 发起操作的一方
type Actor struct {
	ID   string        `json:"id"`
	Role presence.Role `json:"role"`
}

// RaiseInput 发起 SOS 的参数，EmergencyPhones 为空时使用档案中的联系人
type RaiseInput struct {
	SeniorID        string   `json:"seniorId"`
	Message         string   `json:"message"`
	Type            string   `json:"type"`
	EmergencyPhones []string `json:"emergencyPhones"`
	Location        string   `json:"location"`
}

// ActiveStatuses 计时器存活期间的状态集合
var ActiveStatuses = []string{
	models.SOSStatusRaised,
	models.SOSStatusAcknowledged,
	models.SOSStatusInProgress,
	models.SOSStatusEscalated,
}

var allStatuses = append(append([]string(nil), ActiveStatuses...), models.SOSStatusResolved, models.SOSStatusClosed)

func IsActive(status string) bool {
	for _, s := range ActiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func isTerminal(status string) bool {
	return status == models.SOSStatusResolved || status == models.SOSStatusClosed
}

// awaiting 尚无人接手，计时器只对这种警报生效
func awaiting(a *Alert) bool {
	return a.VolunteerID == "" && (a.Status == models.SOSStatusRaised || a.Status == models.SOSStatusEscalated)
}

var levelRank = map[string]int{
	models.EscalationNone:       0,
	models.EscalationAuto:       1,
	models.EscalationAutoStage1: 2,
	models.EscalationAutoStage2: 3,
	models.EscalationAdmin:      4,
}

func rank(level string) int {
	return levelRank[level]
}

func fromRecord(neg *store.Negotiator, rec store.Record) *Alert {
	level := rec.String("escalation_level")
	if _, ok := levelRank[level]; !ok {
		level = models.EscalationNone
	}
	a := &Alert{
		ID:               rec.String("id"),
		SeniorID:         rec.String("senior_id"),
		Status:           neg.Logical(rec.String("status"), allStatuses...),
		EscalationLevel:  level,
		EscalationReason: rec.String("escalation_reason"),
		Message:          rec.String("message"),
		Type:             rec.String("type"),
		Location:         rec.String("location"),
		EmergencyPhones:  rec.List("emergency_phones"),
		ResolutionNotes:  rec.String("resolution_notes"),
		CreatedAt:        rec.Time("created_at"),
		UpdatedAt:        rec.Time("updated_at"),
		AcknowledgedAt:   rec.TimePtr("acknowledged_at"),
		EscalatedAt:      rec.TimePtr("escalated_at"),
		ResolvedAt:       rec.TimePtr("resolved_at"),
	}
	if v := rec.StringPtr("volunteer_id"); v != nil {
		a.VolunteerID = *v
	}
	return a
}

func toRecord(a *Alert) store.Record {
	rec := store.Record{
		"id":               a.ID,
		"senior_id":        a.SeniorID,
		"status":           a.Status,
		"escalation_level": a.EscalationLevel,
		"message":          a.Message,
		"type":             a.Type,
		"location":         a.Location,
		"emergency_phones": strings.Join(a.EmergencyPhones, ","),
		"created_at":       a.CreatedAt.UTC(),
		"updated_at":       a.UpdatedAt.UTC(),
	}
	if a.VolunteerID != "" {
		rec["volunteer_id"] = a.VolunteerID
	}
	return rec
}
