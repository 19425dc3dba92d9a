package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleAstrologer Role = "astrologer"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAstrologer
}

// Identity is the participant a connection is bound to.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Pair identifies one consultation conversation.
type Pair struct {
	CustomerID   string `json:"customer_id"`
	AstrologerID string `json:"astrologer_id"`
}

func (p Pair) Key() string {
	return p.CustomerID + ":" + p.AstrologerID
}

// Peer returns the other participant of the pair for userID.
func (p Pair) Peer(userID string) string {
	if userID == p.CustomerID {
		return p.AstrologerID
	}
	return p.CustomerID
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusPending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Rank orders statuses; unknown values rank 0.
func (s Status) Rank() int {
	return statusRank[s]
}

// Ahead reports whether s is strictly further along than other.
func (s Status) Ahead(other Status) bool {
	return s.Rank() > other.Rank()
}

type Message struct {
	ServerID     string    `json:"serverId,omitempty"`
	ClientTempID string    `json:"clientTempId,omitempty"`
	Text         string    `json:"text"`
	SenderID     string    `json:"senderId"`
	ReceiverID   string    `json:"receiverId"`
	Timestamp    time.Time `json:"timestamp"`
	Status       Status    `json:"status"`
}

// ID returns the identifier the message is currently addressable by.
func (m Message) ID() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.ClientTempID
}

func (m Message) String() string {
	return fmt.Sprintf("[%s] %s -> %s: %q (%s)", m.ID(), m.SenderID, m.ReceiverID, m.Text, m.Status)
}

// Envelope is the frame carried over the websocket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: raw}, nil
}

// Outbound events.
const (
	EventJoinConversation = "join_conversation"
	EventSendMessage      = "send_message"
	EventTyping           = "typing"
	EventStopTyping       = "stop_typing"
	EventMarkRead         = "mark_read"
)

// Inbound events.
const (
	EventReceiveMessage   = "receive_message"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventError            = "error"
)

type JoinConversation struct {
	CustomerID   string `json:"customerId"`
	AstrologerID string `json:"astrologerId"`
}

type SendMessage struct {
	ClientTempID string    `json:"clientTempId"`
	Text         string    `json:"text"`
	SenderID     string    `json:"senderId"`
	ReceiverID   string    `json:"receiverId"`
	Timestamp    time.Time `json:"timestamp"`
}

type TypingSignal struct {
	UserID       string `json:"userId"`
	AstrologerID string `json:"astrologerId,omitempty"`
}

type MarkRead struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

// InboundMessage is the "message received" payload and the history row shape.
// Every field may be missing.
type InboundMessage struct {
	ServerID     string    `json:"serverId,omitempty"`
	ClientTempID string    `json:"clientTempId,omitempty"`
	Text         string    `json:"text"`
	SenderID     string    `json:"senderId"`
	ReceiverID   string    `json:"receiverId"`
	Timestamp    time.Time `json:"timestamp"`
	Status       Status    `json:"status,omitempty"`
}

type DeliveredAck struct {
	ClientTempID string `json:"clientTempId"`
	ServerID     string `json:"serverId"`
}

type ReadAck struct {
	ServerID string `json:"serverId"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OutboxEvent is a persisted event awaiting publication by the relay's outbox worker.
type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

const (
	EventTypeMessageCreated   = "MESSAGE_CREATED"
	EventTypeMessageRead      = "MESSAGE_READ"
	EventTypeMessageDelivered = "MESSAGE_DELIVERED"
)
