package notification

import (
	"context"
	"sync"
)

type PushRecord struct {
	ActorID string
	Title   string
	Body    string
	Data    map[string]string
}

type SMSRecord struct {
	Phones  []string
	Message string
}

// MemoryGateway 记录所有发送，未配置推送渠道时使用，也用于测试
type MemoryGateway struct {
	mu     sync.Mutex
	pushes []PushRecord
	sms    []SMSRecord
	Err    error
}

func NewMemoryGateway() *MemoryGateway { return &MemoryGateway{} }

func (m *MemoryGateway) SendPush(_ context.Context, actorID, title, body string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, PushRecord{ActorID: actorID, Title: title, Body: body, Data: data})
	return m.Err
}

func (m *MemoryGateway) SendSMS(_ context.Context, phones []string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sms = append(m.sms, SMSRecord{Phones: append([]string(nil), phones...), Message: message})
	return m.Err
}

func (m *MemoryGateway) Pushes() []PushRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PushRecord(nil), m.pushes...)
}

func (m *MemoryGateway) SMSes() []SMSRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SMSRecord(nil), m.sms...)
}

// PushesTo 发给某个用户的推送
func (m *MemoryGateway) PushesTo(actorID string) []PushRecord {
	var out []PushRecord
	for _, p := range m.Pushes() {
		if p.ActorID == actorID {
			out = append(out, p)
		}
	}
	return out
}
