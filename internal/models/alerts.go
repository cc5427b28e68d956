package models

import "time"

// SOS 状态（规范值，落库时可能按 SCHEMA_STATUS_ALIASES 换成别名）
const (
	SOSStatusRaised       = "raised"
	SOSStatusAcknowledged = "acknowledged"
	SOSStatusInProgress   = "in_progress"
	SOSStatusEscalated    = "escalated"
	SOSStatusResolved     = "resolved"
	SOSStatusClosed       = "closed"
)

// 升级等级，按此顺序只升不降
const (
	EscalationNone       = "none"
	EscalationAuto       = "auto"
	EscalationAutoStage1 = "auto_stage1"
	EscalationAutoStage2 = "auto_stage2"
	EscalationAdmin      = "admin"
)

// SOSAlert SOS 求助警报，只关闭不删除
type SOSAlert struct {
	ID               string     `json:"id" gorm:"primaryKey;size:64"`
	SeniorID         string     `json:"seniorId" gorm:"size:64;index"`
	Status           string     `json:"status" gorm:"size:32;index"`
	EscalationLevel  string     `json:"escalationLevel" gorm:"size:32"`
	EscalationReason string     `json:"escalationReason" gorm:"size:512"`
	VolunteerID      *string    `json:"volunteerId" gorm:"size:64"`
	Message          string     `json:"message" gorm:"size:1024"`
	Type             string     `json:"type" gorm:"size:32"`
	Location         string     `json:"location" gorm:"type:text"` // JSON 坐标或地址
	EmergencyPhones  string     `json:"emergencyPhones" gorm:"size:512"`
	ResolutionNotes  string     `json:"resolutionNotes" gorm:"type:text"`
	AcknowledgedAt   *time.Time `json:"acknowledgedAt"`
	EscalatedAt      *time.Time `json:"escalatedAt"`
	ResolvedAt       *time.Time `json:"resolvedAt"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func (SOSAlert) TableName() string { return TableSOSAlerts }
