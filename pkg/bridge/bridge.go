// Package bridge 把管理端房间的封装镜像到外部消息总线（MQTT / AMQP）
package bridge

import (
	"encoding/json"
	"fmt"
	"sync"

	"CareLink/pkg/config"
	"CareLink/pkg/metrics"

	"go.uber.org/zap"
)

// Publisher 底层总线
type Publisher interface {
	Send(room string, body []byte) error
	Close()
}

// Frame 总线上的消息体
type Frame struct {
	Room    string      `json:"room"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type item struct {
	room string
	body []byte
}

// Bridge 异步投递，队列满时丢弃，失败只记日志
type Bridge struct {
	pub     Publisher
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan item
	wg     sync.WaitGroup
}

const defaultQueueSize = 1024

func New(pub Publisher, log *zap.Logger, m *metrics.Metrics) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{pub: pub, log: log, metrics: m, queue: make(chan item, defaultQueueSize)}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Open 按配置选择驱动；未配置时返回 nil
func Open(cfg config.BridgeConfig, log *zap.Logger, m *metrics.Metrics) (*Bridge, error) {
	var (
		pub Publisher
		err error
	)
	switch cfg.Driver {
	case "":
		return nil, nil
	case "mqtt":
		pub, err = NewMQTTPublisher(cfg)
	case "amqp":
		pub, err = NewAMQPPublisher(cfg.AMQPURL, cfg.Topic)
	default:
		return nil, fmt.Errorf("unknown bridge driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return New(pub, log.Named("bridge"), m), nil
}

// Publish 非阻塞入队
func (b *Bridge) Publish(room, event string, payload interface{}) {
	if b == nil {
		return
	}
	body, err := json.Marshal(Frame{Room: room, Event: event, Payload: payload})
	if err != nil {
		b.log.Warn("bridge marshal failed", zap.String("room", room), zap.Error(err))
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- item{room: room, body: body}:
	default:
		b.log.Warn("bridge queue full, frame dropped", zap.String("room", room), zap.String("event", event))
		b.metrics.RecordGatewayFailure("bridge")
	}
}

func (b *Bridge) loop() {
	defer b.wg.Done()
	for it := range b.queue {
		if err := b.pub.Send(it.room, it.body); err != nil {
			b.log.Warn("bridge publish failed", zap.String("room", it.room), zap.Error(err))
			b.metrics.RecordGatewayFailure("bridge")
		}
	}
}

// Close 等待队列排空后关闭底层连接
func (b *Bridge) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.wg.Wait()
	b.pub.Close()
}
