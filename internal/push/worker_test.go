package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"astro_chat/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeBody(t *testing.T, eventType string, payload interface{}) []byte {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, payload)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

var sample = domain.Message{ServerID: "srv-1", Text: "hello", SenderID: "cust-1", ReceiverID: "astro-1"}

func TestParseRoutingKey(t *testing.T) {
	userID, msg, err := Parse(amqp.Delivery{
		RoutingKey: "user.astro-1",
		Body:       envelopeBody(t, domain.EventReceiveMessage, sample),
	})
	require.NoError(t, err)
	assert.Equal(t, "astro-1", userID)
	assert.Equal(t, "srv-1", msg.ServerID)
}

func TestParseDeadLetterHeader(t *testing.T) {
	userID, _, err := Parse(amqp.Delivery{
		RoutingKey: "",
		Headers: amqp.Table{
			"x-death": []interface{}{
				amqp.Table{"routing-keys": []interface{}{"user.astro-9"}},
			},
		},
		Body: envelopeBody(t, domain.EventTypeMessageCreated, sample),
	})
	require.NoError(t, err)
	assert.Equal(t, "astro-9", userID)
}

func TestParseFallsBackToReceiver(t *testing.T) {
	userID, _, err := Parse(amqp.Delivery{
		RoutingKey: "events.whatever",
		Body:       envelopeBody(t, domain.EventReceiveMessage, sample),
	})
	require.NoError(t, err)
	assert.Equal(t, "astro-1", userID)
}

func TestParseSkipsOtherEvents(t *testing.T) {
	_, _, err := Parse(amqp.Delivery{
		RoutingKey: "user.astro-1",
		Body:       envelopeBody(t, domain.EventTyping, domain.TypingSignal{UserID: "cust-1"}),
	})
	assert.ErrorIs(t, err, errSkip)

	_, _, err = Parse(amqp.Delivery{Body: []byte("{not json")})
	assert.Error(t, err)
}

type ackRecorder struct {
	mu     sync.Mutex
	acks   int
	nacks  int
	signal chan struct{}
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acks++
	a.mu.Unlock()
	a.signal <- struct{}{}
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacks++
	a.mu.Unlock()
	a.signal <- struct{}{}
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error { return nil }

type chanSource chan amqp.Delivery

func (c chanSource) ConsumePushQueue() (<-chan amqp.Delivery, error) { return c, nil }

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, userID string, msg domain.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	return n.err
}

func TestWorkerNotifiesAndAcks(t *testing.T) {
	src := make(chanSource, 2)
	acks := &ackRecorder{signal: make(chan struct{}, 2)}
	notifier := &recordingNotifier{}

	src <- amqp.Delivery{Acknowledger: acks, RoutingKey: "user.astro-1", Body: envelopeBody(t, domain.EventReceiveMessage, sample)}
	src <- amqp.Delivery{Acknowledger: acks, RoutingKey: "user.astro-1", Body: []byte("garbage")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewWorker(src, notifier, nil).Start(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-acks.signal:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery was not acknowledged")
		}
	}
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"astro-1"}, notifier.users)
	assert.Equal(t, 2, acks.acks)
}

func TestWorkerRequeuesOnNotifyFailure(t *testing.T) {
	src := make(chanSource, 1)
	acks := &ackRecorder{signal: make(chan struct{}, 1)}
	src <- amqp.Delivery{Acknowledger: acks, RoutingKey: "user.astro-1", Body: envelopeBody(t, domain.EventReceiveMessage, sample)}
	close(src)

	err := NewWorker(src, &recordingNotifier{err: errors.New("provider down")}, nil).Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, acks.nacks)
	assert.Equal(t, 0, acks.acks)
}
