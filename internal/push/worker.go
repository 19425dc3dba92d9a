// Package push notifies participants who were offline when a message
// reached the relay.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"astro_chat/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errSkip = errors.New("not a push candidate")

// Source is satisfied by *broker.RabbitMQClient.
type Source interface {
	ConsumePushQueue() (<-chan amqp.Delivery, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID string, msg domain.Message) error
}

// LogNotifier stands in for a real push provider.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, userID string, msg domain.Message) error {
	n.Logger.Info("Push notification", "user_id", userID, "from", msg.SenderID, "server_id", msg.ServerID)
	return nil
}

type Worker struct {
	source   Source
	notifier Notifier
	logger   *slog.Logger
}

func NewWorker(source Source, notifier Notifier, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{source: source, notifier: notifier, logger: logger}
}

// Start consumes the push queue until ctx is cancelled or the channel closes.
func (w *Worker) Start(ctx context.Context) error {
	msgs, err := w.source.ConsumePushQueue()
	if err != nil {
		return fmt.Errorf("failed to start push consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	userID, msg, err := Parse(d)
	switch {
	case errors.Is(err, errSkip):
	case err != nil:
		w.logger.Warn("Dropping push delivery", "error", err)
	default:
		if err := w.notifier.Notify(ctx, userID, msg); err != nil {
			w.logger.Error("Failed to send push", "user_id", userID, "error", err)
			d.Nack(false, true)
			return
		}
	}
	d.Ack(false)
}

// Parse extracts the recipient and message from a push delivery. Deliveries
// either arrive directly on the push exchange or were dead-lettered from a
// user queue, in which case the original routing key sits in x-death.
func Parse(d amqp.Delivery) (string, domain.Message, error) {
	var env domain.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return "", domain.Message{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type != domain.EventReceiveMessage && env.Type != domain.EventTypeMessageCreated {
		return "", domain.Message{}, errSkip
	}

	var msg domain.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return "", domain.Message{}, fmt.Errorf("failed to unmarshal message payload: %w", err)
	}

	userID, ok := recipient(d)
	if !ok {
		userID = msg.ReceiverID
	}
	if userID == "" {
		return "", domain.Message{}, fmt.Errorf("no recipient for routing key %q", d.RoutingKey)
	}
	return userID, msg, nil
}

func recipient(d amqp.Delivery) (string, bool) {
	routingKey := d.RoutingKey
	if !strings.HasPrefix(routingKey, "user.") {
		if deaths, ok := d.Headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
			if death, ok := deaths[0].(amqp.Table); ok {
				if keys, ok := death["routing-keys"].([]interface{}); ok && len(keys) > 0 {
					if s, ok := keys[0].(string); ok {
						routingKey = s
					}
				}
			}
		}
	}
	if !strings.HasPrefix(routingKey, "user.") {
		return "", false
	}
	return strings.TrimPrefix(routingKey, "user."), true
}
