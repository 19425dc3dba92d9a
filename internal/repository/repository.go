// Package repository persists the relay's conversation transcripts.
package repository

import (
	"context"
	"errors"
	"sync"

	"astro_chat/internal/domain"
)

var ErrNotFound = errors.New("message not found")

type MessageRepository interface {
	// CreateMessage stores msg. A retry with the same (sender, clientTempId)
	// does not create a second row: msg is overwritten with the stored one
	// and created is false.
	CreateMessage(ctx context.Context, msg *domain.Message) (created bool, err error)
	// History returns the latest limit messages of the pair, oldest first.
	History(ctx context.Context, pair domain.Pair, limit int) ([]domain.Message, error)
	MarkDelivered(ctx context.Context, serverID string) (*domain.Message, error)
	// MarkRead marks serverID read on behalf of its receiver.
	MarkRead(ctx context.Context, serverID, readerID string) (*domain.Message, error)
}

// MemoryRepository is used when no database is configured and in tests.
type MemoryRepository struct {
	mu       sync.Mutex
	messages []domain.Message
	byID     map[string]int
	byTemp   map[string]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[string]int),
		byTemp: make(map[string]int),
	}
}

func tempKey(senderID, clientTempID string) string {
	return senderID + "\x00" + clientTempID
}

func (r *MemoryRepository) CreateMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ClientTempID != "" {
		if i, ok := r.byTemp[tempKey(msg.SenderID, msg.ClientTempID)]; ok {
			*msg = r.messages[i]
			return false, nil
		}
	}
	r.messages = append(r.messages, *msg)
	i := len(r.messages) - 1
	r.byID[msg.ServerID] = i
	if msg.ClientTempID != "" {
		r.byTemp[tempKey(msg.SenderID, msg.ClientTempID)] = i
	}
	return true, nil
}

func (r *MemoryRepository) History(ctx context.Context, pair domain.Pair, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Message
	for _, m := range r.messages {
		if inPair(m, pair) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func inPair(m domain.Message, p domain.Pair) bool {
	return (m.SenderID == p.CustomerID && m.ReceiverID == p.AstrologerID) ||
		(m.SenderID == p.AstrologerID && m.ReceiverID == p.CustomerID)
}

func (r *MemoryRepository) MarkDelivered(ctx context.Context, serverID string) (*domain.Message, error) {
	return r.advance(serverID, "", domain.StatusDelivered)
}

func (r *MemoryRepository) MarkRead(ctx context.Context, serverID, readerID string) (*domain.Message, error) {
	return r.advance(serverID, readerID, domain.StatusRead)
}

func (r *MemoryRepository) advance(serverID, readerID string, status domain.Status) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.byID[serverID]
	if !ok {
		return nil, ErrNotFound
	}
	if readerID != "" && r.messages[i].ReceiverID != readerID {
		return nil, ErrNotFound
	}
	if status.Ahead(r.messages[i].Status) {
		r.messages[i].Status = status
	}
	m := r.messages[i]
	return &m, nil
}
