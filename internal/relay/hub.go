// Package relay is the reference chat server the client core talks to. It
// persists messages, forwards them to the peer and answers with delivery and
// read receipts.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"astro_chat/internal/domain"
	"astro_chat/internal/presence"
	"astro_chat/internal/repository"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker carries events to users connected to other relay nodes and to the
// push pipeline. *broker.RabbitMQClient satisfies it.
type Broker interface {
	PublishToUser(ctx context.Context, userID string, body interface{}) error
	PublishPush(ctx context.Context, userID string, body interface{}) error
	ConsumeUserQueue(userID string) (<-chan amqp.Delivery, func(), error)
}

type Hub struct {
	// userID -> connID -> client
	clients map[string]map[string]*Client

	Register   chan *Client
	Unregister chan *Client

	repo     repository.MessageRepository
	presence presence.Repository
	broker   Broker
	nodeID   string
	logger   *slog.Logger
	now      func() time.Time

	consumers map[string]func()
	done      chan struct{}

	mu sync.RWMutex
}

type HubOption func(*Hub)

// WithBroker enables cross-node routing and offline push.
func WithBroker(b Broker) HubOption {
	return func(h *Hub) { h.broker = b }
}

func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

func NewHub(repo repository.MessageRepository, presenceRepo presence.Repository, nodeID string, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[string]map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		repo:       repo,
		presence:   presenceRepo,
		nodeID:     nodeID,
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		consumers:  make(map[string]func()),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serialises client registration until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.Register:
			h.register(ctx, client)
		case client := <-h.Unregister:
			h.unregister(ctx, client)
		}
	}
}

func (h *Hub) register(ctx context.Context, client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.UserID]; !ok {
		h.clients[client.UserID] = make(map[string]*Client)

		if h.broker != nil {
			msgs, cancel, err := h.broker.ConsumeUserQueue(client.UserID)
			if err != nil {
				h.logger.Error("Failed to consume user queue", "user_id", client.UserID, "error", err)
			} else {
				h.consumers[client.UserID] = cancel
				go h.handleUserMessages(client.UserID, msgs)
			}
		}
	}
	h.clients[client.UserID][client.ConnID] = client
	h.mu.Unlock()
	close(client.ready)

	if err := h.presence.AddSession(ctx, client.UserID, client.ConnID, h.nodeID); err != nil {
		h.logger.Error("Failed to add session", "user_id", client.UserID, "error", err)
	}
	h.logger.Info("Client registered", "user_id", client.UserID, "role", client.Role, "conn_id", client.ConnID)
}

func (h *Hub) unregister(ctx context.Context, client *Client) {
	h.mu.Lock()
	h.detach(client)
	h.mu.Unlock()

	if err := h.presence.RemoveSession(ctx, client.UserID, client.ConnID); err != nil {
		h.logger.Error("Failed to remove session", "user_id", client.UserID, "error", err)
	}
	h.logger.Info("Client unregistered", "user_id", client.UserID, "conn_id", client.ConnID)
}

// detach forgets client and closes its send channel. The user's queue
// consumer stops with their last local connection. The caller holds h.mu.
func (h *Hub) detach(client *Client) {
	userClients, ok := h.clients[client.UserID]
	if !ok || userClients[client.ConnID] != client {
		return
	}
	delete(userClients, client.ConnID)
	close(client.send)
	if len(userClients) > 0 {
		return
	}
	delete(h.clients, client.UserID)
	if cancel, ok := h.consumers[client.UserID]; ok {
		cancel()
		delete(h.consumers, client.UserID)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.consumers {
		cancel()
	}
	h.consumers = make(map[string]func())
	close(h.done)
}

// Online reports whether userID holds a connection on this node.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) handleUserMessages(userID string, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		var env domain.Envelope
		if err := json.Unmarshal(d.Body, &env); err != nil {
			h.logger.Warn("Failed to unmarshal routed event", "user_id", userID, "error", err)
			continue
		}
		h.sendLocal(userID, d.Body)
	}
}

// sendLocal writes data to every local connection of userID and returns how
// many accepted it. A connection whose buffer is full is dropped.
func (h *Hub) sendLocal(userID string, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[userID]
	if !ok {
		return 0
	}
	sent := 0
	for _, client := range userClients {
		select {
		case client.send <- data:
			sent++
		default:
			h.logger.Warn("Dropping slow client", "user_id", userID, "conn_id", client.ConnID)
			h.detach(client)
		}
	}
	return sent
}

// route delivers env to userID on this node or, failing that, through the
// broker when presence says the user is connected elsewhere.
func (h *Hub) route(ctx context.Context, userID string, env domain.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", "type", env.Type, "error", err)
		return false
	}
	if h.sendLocal(userID, data) > 0 {
		return true
	}
	if h.broker == nil {
		return false
	}

	online, err := h.presence.IsUserOnline(ctx, userID)
	if err != nil {
		h.logger.Warn("Failed to check presence", "user_id", userID, "error", err)
		return false
	}
	if !online {
		return false
	}
	if err := h.broker.PublishToUser(ctx, userID, env); err != nil {
		h.logger.Error("Failed to publish to user", "user_id", userID, "error", err)
		return false
	}
	return true
}

func (h *Hub) emit(ctx context.Context, userID, eventType string, payload interface{}) bool {
	env, err := domain.NewEnvelope(eventType, payload)
	if err != nil {
		h.logger.Error("Failed to build envelope", "error", err)
		return false
	}
	return h.route(ctx, userID, env)
}

func (h *Hub) reply(c *Client, eventType string, payload interface{}) {
	env, err := domain.NewEnvelope(eventType, payload)
	if err != nil {
		h.logger.Error("Failed to build envelope", "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.sendClient(c, data)
}

func (h *Hub) sendClient(c *Client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.UserID][c.ConnID] != c {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("Dropping reply to slow client", "user_id", c.UserID, "conn_id", c.ConnID)
	}
}

func (h *Hub) fail(c *Client, code, message string) {
	h.reply(c, domain.EventError, domain.ErrorEvent{Code: code, Message: message})
}

// dispatch handles one frame read from c.
func (h *Hub) dispatch(ctx context.Context, c *Client, env domain.Envelope) {
	switch env.Type {
	case domain.EventJoinConversation:
		var p domain.JoinConversation
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.fail(c, "bad_payload", err.Error())
			return
		}
		h.join(c, p)
	case domain.EventSendMessage:
		var p domain.SendMessage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.fail(c, "bad_payload", err.Error())
			return
		}
		if !c.limiter.Allow() {
			h.fail(c, "rate_limited", "too many messages")
			return
		}
		h.sendMessage(ctx, c, p)
	case domain.EventTyping, domain.EventStopTyping:
		h.forwardTyping(ctx, c, env.Type)
	case domain.EventMarkRead:
		var p domain.MarkRead
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.fail(c, "bad_payload", err.Error())
			return
		}
		h.markRead(ctx, c, p)
	default:
		h.fail(c, "unknown_event", env.Type)
	}
}

func (h *Hub) join(c *Client, p domain.JoinConversation) {
	pair := domain.Pair{CustomerID: p.CustomerID, AstrologerID: p.AstrologerID}
	if pair.CustomerID == "" || pair.AstrologerID == "" ||
		(c.UserID != pair.CustomerID && c.UserID != pair.AstrologerID) {
		h.fail(c, "bad_conversation", "not a participant of "+pair.Key())
		return
	}
	c.setPair(pair)
	h.logger.Debug("Joined conversation", "user_id", c.UserID, "conversation", pair.Key())
}

func (h *Hub) sendMessage(ctx context.Context, c *Client, p domain.SendMessage) {
	text := strings.TrimSpace(p.Text)
	if text == "" || p.ReceiverID == "" {
		h.fail(c, "bad_message", "text and receiverId are required")
		return
	}

	msg := domain.Message{
		ServerID:     uuid.NewString(),
		ClientTempID: p.ClientTempID,
		Text:         text,
		SenderID:     c.UserID,
		ReceiverID:   p.ReceiverID,
		Timestamp:    h.now(),
		Status:       domain.StatusSent,
	}
	created, err := h.repo.CreateMessage(ctx, &msg)
	if err != nil {
		h.logger.Error("Failed to create message", "error", err)
		h.fail(c, "store_failed", "message was not stored")
		return
	}

	// Every connection of the sender sees its own message with the server id.
	h.emit(ctx, c.UserID, domain.EventReceiveMessage, msg)
	if !created {
		return
	}

	if !h.emit(ctx, msg.ReceiverID, domain.EventReceiveMessage, msg) {
		h.pushOffline(ctx, msg)
		return
	}

	if _, err := h.repo.MarkDelivered(ctx, msg.ServerID); err != nil {
		h.logger.Error("Failed to mark delivered", "server_id", msg.ServerID, "error", err)
		return
	}
	h.emit(ctx, c.UserID, domain.EventMessageDelivered, domain.DeliveredAck{
		ClientTempID: msg.ClientTempID,
		ServerID:     msg.ServerID,
	})
}

func (h *Hub) pushOffline(ctx context.Context, msg domain.Message) {
	if h.broker == nil {
		h.logger.Debug("Receiver offline", "user_id", msg.ReceiverID, "server_id", msg.ServerID)
		return
	}
	env, err := domain.NewEnvelope(domain.EventReceiveMessage, msg)
	if err != nil {
		return
	}
	if err := h.broker.PublishPush(ctx, msg.ReceiverID, env); err != nil {
		h.logger.Error("Failed to publish push", "user_id", msg.ReceiverID, "error", err)
	}
}

func (h *Hub) forwardTyping(ctx context.Context, c *Client, eventType string) {
	pair, ok := c.joined()
	if !ok {
		return
	}
	h.emit(ctx, pair.Peer(c.UserID), eventType, domain.TypingSignal{
		UserID:       c.UserID,
		AstrologerID: pair.AstrologerID,
	})
}

func (h *Hub) markRead(ctx context.Context, c *Client, p domain.MarkRead) {
	msg, err := h.repo.MarkRead(ctx, p.MessageID, c.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		h.logger.Debug("Read receipt for unknown message", "message_id", p.MessageID, "user_id", c.UserID)
		return
	}
	if err != nil {
		h.logger.Error("Failed to mark read", "message_id", p.MessageID, "error", err)
		return
	}
	h.emit(ctx, msg.SenderID, domain.EventMessageRead, domain.ReadAck{ServerID: msg.ServerID})
}
