package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"CareLink/pkg/metrics"

	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("notification channel not configured")

// Gateway 推送与短信的统一出口
type Gateway interface {
	SendPush(ctx context.Context, actorID, title, body string, data map[string]string) error
	SendSMS(ctx context.Context, phones []string, message string) error
}

// Service 组合 JPush 与短信中继
type Service struct {
	push *JPush
	sms  *SMS
}

func NewService(push *JPush, sms *SMS) *Service {
	return &Service{push: push, sms: sms}
}

func (s *Service) SendPush(ctx context.Context, actorID, title, body string, data map[string]string) error {
	extras := make(map[string]interface{}, len(data))
	for k, v := range data {
		extras[k] = v
	}
	return s.push.PushToAlias(ctx, []string{actorID}, title, body, extras)
}

func (s *Service) SendSMS(ctx context.Context, phones []string, message string) error {
	return s.sms.SendText(ctx, phones, message)
}

// Notifier 尽力而为的异步发送，失败只记录日志和指标
type Notifier struct {
	gw      Gateway
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewNotifier(gw Gateway, log *zap.Logger, m *metrics.Metrics, timeout time.Duration) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{gw: gw, log: log, metrics: m, timeout: timeout}
}

func (n *Notifier) Push(actorID, title, body string, data map[string]string) {
	if n == nil || n.gw == nil || actorID == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.gw.SendPush(ctx, actorID, title, body, data); err != nil {
			n.metrics.RecordGatewayFailure("push")
			n.log.Warn("push notification failed", zap.String("actor_id", actorID), zap.Error(err))
		}
	}()
}

func (n *Notifier) SMS(phones []string, message string) {
	if n == nil || n.gw == nil || len(phones) == 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.gw.SendSMS(ctx, phones, message); err != nil {
			n.metrics.RecordGatewayFailure("sms")
			n.log.Warn("sms notification failed", zap.Strings("phones", phones), zap.Error(err))
		}
	}()
}

// Wait 等待在途发送完成，停机时调用
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}
