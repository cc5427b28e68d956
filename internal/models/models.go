package models

import (
	"time"

	"gorm.io/gorm"
)

// 表名，store 按表名读写 map 记录
const (
	TableSeniors       = "seniors"
	TableVolunteers    = "volunteers"
	TableHelpRequests  = "help_requests"
	TableConversations = "conversations"
	TableMessages      = "messages"
	TableSOSAlerts     = "sos_alerts"
)

// 请求类型
const (
	RequestChat      = "chat"
	RequestVoice     = "voice"
	RequestEmotional = "emotional"
)

// 求助请求 / 会话状态
const (
	RequestStatusPending   = "pending"
	RequestStatusMatched   = "matched"
	RequestStatusCancelled = "cancelled"

	ConversationActive = "active"
	ConversationEnded  = "ended"
)

// Senior 老人档案，只读
type Senior struct {
	ID              string    `json:"id" gorm:"primaryKey;size:64"`
	Name            string    `json:"name" gorm:"size:128"`
	Phone           string    `json:"phone" gorm:"size:32"`
	Region          string    `json:"region" gorm:"size:64;index"`
	NGOID           string    `json:"ngoId" gorm:"column:ngo_id;size:64"`
	EmergencyPhones string    `json:"emergencyPhones" gorm:"size:512"` // 逗号分隔
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Volunteer 志愿者档案，is_online 由在线表镜像
type Volunteer struct {
	ID         string     `json:"id" gorm:"primaryKey;size:64"`
	Name       string     `json:"name" gorm:"size:128"`
	Phone      string     `json:"phone" gorm:"size:32"`
	Region     string     `json:"region" gorm:"size:64;index"`
	Approved   bool       `json:"approved"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// HelpRequest 求助请求的持久化镜像
type HelpRequest struct {
	ID          string     `json:"id" gorm:"primaryKey;size:64"`
	SeniorID    string     `json:"seniorId" gorm:"size:64;index"`
	VolunteerID *string    `json:"volunteerId" gorm:"size:64"`
	RequestType string     `json:"requestType" gorm:"size:32"`
	Note        string     `json:"note" gorm:"size:1024"`
	Status      string     `json:"status" gorm:"size:32"`
	MatchedAt   *time.Time `json:"matchedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Conversation 会话，claim 成功的前提是这条记录写入成功
type Conversation struct {
	ID          string     `json:"id" gorm:"primaryKey;size:64"`
	SeniorID    string     `json:"seniorId" gorm:"size:64;index"`
	VolunteerID string     `json:"volunteerId" gorm:"size:64;index"`
	RequestType string     `json:"requestType" gorm:"size:32"`
	Status      string     `json:"status" gorm:"size:32;index"`
	EndedBy     string     `json:"endedBy" gorm:"size:64"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Message 会话内消息
type Message struct {
	ID             string    `json:"id" gorm:"primaryKey;size:64"`
	ConversationID string    `json:"conversationId" gorm:"size:64;index"`
	SenderID       string    `json:"senderId" gorm:"size:64"`
	Content        string    `json:"content" gorm:"type:text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AutoMigrate 迁移所有表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Senior{},
		&Volunteer{},
		&HelpRequest{},
		&Conversation{},
		&Message{},
		&SOSAlert{},
	)
}
