package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"CareLink/pkg/config"
)

type fakeToken struct {
	mqtt.Token
	err error
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Error() error                     { return t.err }

type fakeMQTTClient struct {
	mqtt.Client
	mu           sync.Mutex
	topics       []string
	payloads     [][]byte
	err          error
	disconnected bool
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return &fakeToken{err: c.err}
}

func (c *fakeMQTTClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

type fakeChannel struct {
	declared  int
	exchanges []string
	keys      []string
	msgs      []amqp.Publishing
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared++
	return nil
}

func (c *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.exchanges = append(c.exchanges, exchange)
	c.keys = append(c.keys, key)
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func TestBridgeOverMQTT(t *testing.T) {
	client := &fakeMQTTClient{}
	b := New(newMQTTPublisher(client, "carelink/rooms/"), zap.NewNop(), nil)

	b.Publish("admins", "envelope", map[string]string{"action": "created"})
	b.Publish("ngo:n1", "envelope", map[string]string{"action": "escalated"})
	b.Close()

	assert.Equal(t, []string{"carelink/rooms/admins", "carelink/rooms/ngo:n1"}, client.topics)
	assert.True(t, client.disconnected)

	var frame struct {
		Room    string            `json:"room"`
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(client.payloads[1], &frame))
	assert.Equal(t, "ngo:n1", frame.Room)
	assert.Equal(t, "escalated", frame.Payload["action"])

	// 关闭后发布直接忽略
	b.Publish("admins", "envelope", nil)
	assert.Len(t, client.topics, 2)
}

func TestBridgeSwallowsPublishErrors(t *testing.T) {
	client := &fakeMQTTClient{err: errors.New("broker down")}
	b := New(newMQTTPublisher(client, "t"), zap.NewNop(), nil)
	b.Publish("admins", "envelope", nil)
	b.Close()
	assert.Len(t, client.topics, 1)
}

func TestAMQPPublisherDeclaresOnce(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{channel: ch, exchange: "carelink.rooms"}

	require.NoError(t, p.Send("admins", []byte(`{}`)))
	require.NoError(t, p.Send("ngo:n1", []byte(`{}`)))

	assert.Equal(t, 1, ch.declared)
	assert.Equal(t, []string{"admins", "ngo:n1"}, ch.keys)
	assert.Equal(t, "carelink.rooms", ch.exchanges[0])
	assert.Equal(t, "ngo:n1", ch.msgs[1].Headers["room"])
	assert.Equal(t, "application/json", ch.msgs[0].ContentType)
}

func TestOpenWithoutDriver(t *testing.T) {
	b, err := Open(config.BridgeConfig{}, zap.NewNop(), nil)
	require.NoError(t, err)
	assert.Nil(t, b)
	// nil bridge 上的调用都是空操作
	b.Publish("admins", "envelope", nil)
	b.Close()

	_, err = Open(config.BridgeConfig{Driver: "kafka"}, zap.NewNop(), nil)
	assert.Error(t, err)
}
