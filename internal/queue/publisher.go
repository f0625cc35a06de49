package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/unclebandit/smsleopard-relay/internal/model"
)

// Publisher forwards dispatched messages to a downstream channel.
type Publisher interface {
	Publish(ctx context.Context, msg model.DispatchedMessage) error
	Close() error
}

// AMQPPublisher publishes dispatched messages to a durable RabbitMQ queue.
// It dials lazily and drops the connection after any failure so the next
// publish starts on a fresh one.
type AMQPPublisher struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, queue string) *AMQPPublisher {
	return &AMQPPublisher{url: url, queue: queue}
}

func (p *AMQPPublisher) Queue() string {
	return p.queue
}

// Publish sends one message. There is no retry here; the caller decides.
func (p *AMQPPublisher) Publish(ctx context.Context, msg model.DispatchedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pub, err := Encode(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	err = p.ch.Publish(
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		pub,
	)
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to publish message %d: %w", msg.ID, err)
	}
	return nil
}

func (p *AMQPPublisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", p.queue, err)
	}

	logrus.Infof("Connected to RabbitMQ queue %s", p.queue)
	p.conn = conn
	p.ch = ch
	return nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch = nil
	p.conn = nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

// Encode builds the persistent JSON publishing for a message.
func Encode(msg model.DispatchedMessage) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode message %d: %w", msg.ID, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(msg.ID, 10),
		Timestamp:    msg.DispatchedAt,
		Body:         body,
	}, nil
}
