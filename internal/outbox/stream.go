package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
)

// StreamPublisher mirrors outbox events into a RabbitMQ stream so transcripts
// can be replayed by downstream consumers.
type StreamPublisher struct {
	env      *stream.Environment
	producer *stream.Producer
}

func NewStreamPublisher(uri, streamName string) (*StreamPublisher, error) {
	env, err := stream.NewEnvironment(stream.NewEnvironmentOptions().SetUri(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to stream environment: %w", err)
	}

	err = env.DeclareStream(streamName, stream.NewStreamOptions())
	if err != nil && !errors.Is(err, stream.StreamAlreadyExists) {
		env.Close()
		return nil, fmt.Errorf("failed to declare stream %s: %w", streamName, err)
	}

	producer, err := env.NewProducer(streamName, stream.NewProducerOptions())
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to create stream producer: %w", err)
	}
	return &StreamPublisher{env: env, producer: producer}, nil
}

// Publish ignores routingKey: the stream keeps every event in order.
func (p *StreamPublisher) Publish(ctx context.Context, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.producer.Send(amqp.NewMessage(payload)); err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}
	return nil
}

func (p *StreamPublisher) Close() {
	if p.producer != nil {
		p.producer.Close()
	}
	if p.env != nil {
		p.env.Close()
	}
}
