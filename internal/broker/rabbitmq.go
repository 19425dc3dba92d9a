// Package broker routes relay events between nodes over RabbitMQ.
//
// Every user with a live connection owns a short-lived queue bound to the
// topic exchange under "user.<id>". Events nobody consumes in time are
// dead-lettered into the push exchange, where the push worker picks them up.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeTopic = "chat.topic"
	ExchangePush  = "chat.push"

	pushQueue = "push_notifications_dlx"
)

var exchanges = []struct {
	name string
	kind string
}{
	{ExchangeTopic, amqp.ExchangeTopic},
	{ExchangePush, amqp.ExchangeFanout},
}

// UserRoutingKey addresses every relay node holding a connection for userID.
func UserRoutingKey(userID string) string {
	return "user." + userID
}

// EventRoutingKey is used for transcript events published by the outbox.
func EventRoutingKey(eventType string) string {
	return "events." + strings.ToLower(eventType)
}

type Option func(*RabbitMQClient)

// WithUserQueueTiming sets how long an event waits in a user queue before it
// becomes a push, and how long an idle user queue survives.
func WithUserQueueTiming(messageTTL, idleExpiry time.Duration) Option {
	return func(c *RabbitMQClient) {
		c.messageTTL = messageTTL
		c.idleExpiry = idleExpiry
	}
}

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	nodeID  string

	messageTTL time.Duration
	idleExpiry time.Duration

	mu sync.Mutex
}

func NewRabbitMQClient(url, nodeID string, opts ...Option) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", ex.name, err)
		}
	}

	c := &RabbitMQClient{
		conn:       conn,
		channel:    ch,
		nodeID:     nodeID,
		messageTTL: 5 * time.Second,
		idleExpiry: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body interface{}) error {
	return c.PublishToExchange(ctx, ExchangeTopic, routingKey, body)
}

func (c *RabbitMQClient) PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

// PublishToUser routes body to the user's queue on whichever node holds it.
func (c *RabbitMQClient) PublishToUser(ctx context.Context, userID string, body interface{}) error {
	return c.Publish(ctx, UserRoutingKey(userID), body)
}

// PublishPush hands body straight to the push pipeline.
func (c *RabbitMQClient) PublishPush(ctx context.Context, userID string, body interface{}) error {
	return c.PublishToExchange(ctx, ExchangePush, UserRoutingKey(userID), body)
}

func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// userQueueArgs makes undelivered events expire into the push exchange and
// lets the queue outlive a brief reconnect.
func (c *RabbitMQClient) userQueueArgs() amqp.Table {
	return amqp.Table{
		amqp.QueueMessageTTLArg:  c.messageTTL.Milliseconds(),
		"x-dead-letter-exchange": ExchangePush,
		amqp.QueueTTLArg:         c.idleExpiry.Milliseconds(),
	}
}

// declareBound declares queue and binds it to exchange under key. The caller
// holds c.mu.
func (c *RabbitMQClient) declareBound(queue string, durable bool, args amqp.Table, exchange, key string) error {
	q, err := c.channel.QueueDeclare(queue, durable, false, false, false, args)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := c.channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	return nil
}

// ConsumeUserQueue consumes the user's queue on this node. The returned func
// cancels the consumer; events arriving afterwards expire into the push
// pipeline.
func (c *RabbitMQClient) ConsumeUserQueue(userID string) (<-chan amqp.Delivery, func(), error) {
	queue := UserRoutingKey(userID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.declareBound(queue, false, c.userQueueArgs(), ExchangeTopic, queue); err != nil {
		return nil, nil, err
	}

	tag := fmt.Sprintf("consumer-%s-%s", c.nodeID, userID)
	msgs, err := c.channel.Consume(queue, tag, true, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.channel.Cancel(tag, false)
	}
	return msgs, cancel, nil
}

// ConsumePushQueue consumes everything that reached the push exchange with
// manual acks.
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.declareBound(pushQueue, true, nil, ExchangePush, "#"); err != nil {
		return nil, err
	}
	return c.channel.Consume(pushQueue, "", false, false, false, false, nil)
}
