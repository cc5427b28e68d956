package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type JPushConfig struct {
	AppKey       string
	MasterSecret string
	Endpoint     string // 默认 https://api.jpush.cn/v3/push
	Timeout      time.Duration
}

type JPushClient interface {
	Push(ctx context.Context, title, content string, audience map[string]interface{}, extras map[string]interface{}) error
}

type JPush struct {
	cfg JPushConfig
	cli JPushClient
}

func NewJPush(cfg JPushConfig, cli JPushClient) *JPush { return &JPush{cfg: cfg, cli: cli} }

// PushToAlias 以用户 ID 作为别名推送
func (j *JPush) PushToAlias(ctx context.Context, alias []string, title, content string, extras map[string]interface{}) error {
	if j == nil || j.cli == nil {
		return ErrNotConfigured
	}
	aud := map[string]interface{}{"alias": alias}
	return j.cli.Push(ctx, title, content, aud, extras)
}

func (j *JPush) PushToAll(ctx context.Context, title, content string, extras map[string]interface{}) error {
	if j == nil || j.cli == nil {
		return ErrNotConfigured
	}
	aud := map[string]interface{}{"all": true}
	return j.cli.Push(ctx, title, content, aud, extras)
}

// RestJPushClient JPush REST v3 客户端
type RestJPushClient struct {
	http *resty.Client
	url  string
}

type jpushError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewRestJPushClient(cfg JPushConfig) *RestJPushClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.jpush.cn/v3/push"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cli := resty.New().
		SetTimeout(timeout).
		SetBasicAuth(cfg.AppKey, cfg.MasterSecret).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &RestJPushClient{http: cli, url: endpoint}
}

func (c *RestJPushClient) Push(ctx context.Context, title, content string, audience map[string]interface{}, extras map[string]interface{}) error {
	body := map[string]interface{}{
		"platform": "all",
		"audience": audience,
		"notification": map[string]interface{}{
			"alert":   content,
			"android": map[string]interface{}{"alert": content, "title": title, "extras": extras},
			"ios":     map[string]interface{}{"alert": content, "sound": "default", "extras": extras},
		},
		"options": map[string]interface{}{"time_to_live": 600},
	}

	var failure jpushError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&failure).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("jpush request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("jpush rejected push: status=%d code=%d msg=%s", resp.StatusCode(), failure.Error.Code, failure.Error.Message)
	}
	return nil
}
