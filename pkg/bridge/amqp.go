package bridge

import (
	"sync"

	"github.com/streadway/amqp"
)

// amqpChannel 便于测试替换
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher fanout 交换机，routing key 为房间名
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string

	once       sync.Once
	declareErr error
}

func NewAMQPPublisher(amqpURL, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) declare() error {
	p.once.Do(func() {
		p.declareErr = p.channel.ExchangeDeclare(
			p.exchange,
			"fanout",
			true,
			false,
			false,
			false,
			nil,
		)
	})
	return p.declareErr
}

func (p *AMQPPublisher) Send(room string, body []byte) error {
	if err := p.declare(); err != nil {
		return err
	}
	return p.channel.Publish(
		p.exchange,
		room,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Headers:     amqp.Table{"room": room},
			Body:        body,
		},
	)
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
