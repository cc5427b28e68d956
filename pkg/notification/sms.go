package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type SMSConfig struct {
	Endpoint string // 短信中继地址
	Token    string
	SignName string
	Timeout  time.Duration
}

// SMSClient 便于替换/注入的发送接口
type SMSClient interface {
	Send(ctx context.Context, phone, sign, text string) error
}

type SMS struct {
	cfg SMSConfig
	cli SMSClient
}

func NewSMS(cfg SMSConfig, cli SMSClient) *SMS {
	return &SMS{cfg: cfg, cli: cli}
}

// SendText 逐个号码发送，单个失败不影响其余号码
func (s *SMS) SendText(ctx context.Context, phones []string, text string) error {
	if s == nil || s.cli == nil {
		return ErrNotConfigured
	}
	var errs []error
	for _, phone := range phones {
		if phone == "" {
			continue
		}
		if err := s.cli.Send(ctx, phone, s.cfg.SignName, text); err != nil {
			errs = append(errs, fmt.Errorf("sms to %s: %w", phone, err))
		}
	}
	return errors.Join(errs...)
}

// RestSMSClient 通过 HTTP 中继发送短信
type RestSMSClient struct {
	http *resty.Client
	url  string
}

type smsRelayResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewRestSMSClient(cfg SMSConfig) *RestSMSClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cli := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.Token)
	return &RestSMSClient{http: cli, url: cfg.Endpoint}
}

func (c *RestSMSClient) Send(ctx context.Context, phone, sign, text string) error {
	var result smsRelayResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"phone": phone, "sign": sign, "text": text}).
		SetResult(&result).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("sms relay request failed: %w", err)
	}
	if resp.IsError() || result.Code != 0 {
		return fmt.Errorf("sms relay rejected: status=%d code=%d msg=%s", resp.StatusCode(), result.Code, result.Message)
	}
	return nil
}
