// Package receipts applies delivery and read acknowledgements to the
// transcript and sends read receipts for incoming messages.
package receipts

import (
	"log/slog"

	"astro_chat/internal/domain"
	"astro_chat/internal/store"
)

type Emitter interface {
	Emit(eventType string, payload interface{}) error
}

type Tracker struct {
	store   *store.Store
	emitter Emitter
	selfID  string
	logger  *slog.Logger
}

func NewTracker(st *store.Store, emitter Emitter, selfID string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, emitter: emitter, selfID: selfID, logger: logger}
}

// HandleDelivered binds the server id to the optimistic entry and marks it delivered.
func (t *Tracker) HandleDelivered(ack domain.DeliveredAck) bool {
	if _, ok := t.store.Acknowledge(ack.ClientTempID, ack.ServerID, domain.StatusDelivered); !ok {
		t.logger.Debug("delivered ack for unknown message",
			"client_temp_id", ack.ClientTempID, "server_id", ack.ServerID)
		return false
	}
	return true
}

func (t *Tracker) HandleRead(ack domain.ReadAck) bool {
	if !t.store.UpdateStatus(ack.ServerID, domain.StatusRead) {
		t.logger.Debug("read ack not applied", "server_id", ack.ServerID)
		return false
	}
	return true
}

// AcknowledgeInbound sends a read receipt for a message written by the other
// participant. Own echoes and messages without a server id are ignored.
func (t *Tracker) AcknowledgeInbound(msg domain.Message) bool {
	if msg.SenderID == t.selfID || msg.ServerID == "" {
		return false
	}
	err := t.emitter.Emit(domain.EventMarkRead, domain.MarkRead{MessageID: msg.ServerID, UserID: t.selfID})
	if err != nil {
		t.logger.Warn("failed to send read receipt", "server_id", msg.ServerID, "error", err)
		return false
	}
	return true
}
