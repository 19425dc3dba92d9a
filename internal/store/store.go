// Package store keeps the ordered transcript of one conversation and merges
// optimistic local messages with the server's confirmations.
//
// Insertion order is display order. Reconciliation rewrites an entry in
// place and never moves it.
package store

import (
	"errors"
	"strings"
	"sync"
	"time"

	"astro_chat/internal/clock"
	"astro_chat/internal/domain"

	"github.com/google/uuid"
)

// DuplicateWindow is how close two same-sender, same-text timestamps must be
// for the later one to be treated as an echo of the earlier.
const DuplicateWindow = 1500 * time.Millisecond

var ErrEmptyText = errors.New("message text is empty")

type Outcome int

const (
	Appended Outcome = iota
	Reconciled
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

type Store struct {
	selfID string
	peerID string
	clock  clock.Clock
	newID  func() string

	mu       sync.Mutex
	messages []domain.Message
}

func New(selfID, peerID string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		selfID: selfID,
		peerID: peerID,
		clock:  clk,
		newID:  uuid.NewString,
	}
}

// AppendLocal records a message the local participant just composed. It is
// shown as sent immediately; the returned copy carries the clientTempId the
// caller must emit with.
func (s *Store) AppendLocal(text string) (domain.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, ErrEmptyText
	}
	msg := domain.Message{
		ClientTempID: s.newID(),
		Text:         text,
		SenderID:     s.selfID,
		ReceiverID:   s.peerID,
		Timestamp:    s.clock.Now(),
		Status:       domain.StatusSent,
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg, nil
}

// ReconcileInbound merges a server-originated message into the transcript.
// Matching is layered: echoed clientTempId, then serverId, then a
// same-sender same-text timestamp proximity check. Anything unmatched is
// appended, including messages with no identifiers at all.
func (s *Store) ReconcileInbound(in domain.InboundMessage) (domain.Message, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ClientTempID != "" {
		if i := s.indexByTempID(in.ClientTempID); i >= 0 {
			if j, ok := s.confirm(i, in.ServerID, in.Status); !ok {
				return s.messages[j], Duplicate
			}
			return s.messages[i], Reconciled
		}
	}

	if in.ServerID != "" {
		if i := s.indexByServerID(in.ServerID); i >= 0 {
			return s.messages[i], Duplicate
		}
	}

	if i := s.indexByEcho(in); i >= 0 {
		// An unconfirmed local entry that matched by proximity still adopts
		// the server id so later receipts can find it.
		if s.messages[i].ServerID == "" && in.ServerID != "" {
			s.confirm(i, in.ServerID, in.Status)
		}
		return s.messages[i], Duplicate
	}

	msg := domain.Message{
		ServerID:     in.ServerID,
		ClientTempID: in.ClientTempID,
		Text:         in.Text,
		SenderID:     in.SenderID,
		ReceiverID:   in.ReceiverID,
		Timestamp:    in.Timestamp,
		Status:       in.Status,
	}
	if msg.ServerID != "" {
		msg.ClientTempID = ""
	}
	if msg.Status.Rank() == 0 {
		msg.Status = domain.StatusSent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}
	s.messages = append(s.messages, msg)
	return msg, Appended
}

// Acknowledge assigns a server identity to the entry carrying clientTempID
// and advances its status. It falls back to serverID when the entry was
// already reconciled.
func (s *Store) Acknowledge(clientTempID, serverID string, status domain.Status) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientTempID != "" {
		if i := s.indexByTempID(clientTempID); i >= 0 {
			i, _ = s.confirm(i, serverID, status)
			return s.messages[i], true
		}
	}
	if serverID != "" {
		if i := s.indexByServerID(serverID); i >= 0 {
			s.advance(i, status)
			return s.messages[i], true
		}
	}
	return domain.Message{}, false
}

// UpdateStatus advances the status of the entry addressed by id, looked up as
// a serverId first and a clientTempId second. Moving backwards is a no-op.
func (s *Store) UpdateStatus(id string, status domain.Status) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByServerID(id)
	if i < 0 {
		i = s.indexByTempID(id)
	}
	if i < 0 {
		return false
	}
	return s.advance(i, status)
}

// Seed places history ahead of anything already received live. Entries whose
// serverId is already present are skipped.
func (s *Store) Seed(history []domain.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(s.messages)+len(history))
	for _, m := range s.messages {
		if m.ServerID != "" {
			seen[m.ServerID] = struct{}{}
		}
	}

	seeded := make([]domain.Message, 0, len(history)+len(s.messages))
	for _, m := range history {
		if m.ServerID != "" {
			if _, dup := seen[m.ServerID]; dup {
				continue
			}
			seen[m.ServerID] = struct{}{}
		}
		seeded = append(seeded, m)
	}
	added := len(seeded)
	s.messages = append(seeded, s.messages...)
	return added
}

// Messages returns a snapshot of the transcript in display order.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Get looks a message up by serverId or clientTempId.
func (s *Store) Get(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexByServerID(id)
	if i < 0 {
		i = s.indexByTempID(id)
	}
	if i < 0 {
		return domain.Message{}, false
	}
	return s.messages[i], true
}

// confirm gives entry i its server identity. When another entry already holds
// serverID, that entry is advanced instead, i keeps its temp id, and confirm
// returns the holder's index with false.
func (s *Store) confirm(i int, serverID string, status domain.Status) (int, bool) {
	if serverID != "" {
		if j := s.indexByServerID(serverID); j >= 0 && j != i {
			s.advance(j, status)
			return j, false
		}
		s.messages[i].ServerID = serverID
		s.messages[i].ClientTempID = ""
	}
	s.advance(i, status)
	return i, true
}

func (s *Store) advance(i int, status domain.Status) bool {
	if !status.Ahead(s.messages[i].Status) {
		return false
	}
	s.messages[i].Status = status
	return true
}

func (s *Store) indexByTempID(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ClientTempID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexByServerID(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ServerID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexByEcho(in domain.InboundMessage) int {
	if in.Timestamp.IsZero() {
		return -1
	}
	for i := range s.messages {
		m := s.messages[i]
		if m.Text != in.Text || m.SenderID != in.SenderID {
			continue
		}
		delta := m.Timestamp.Sub(in.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= DuplicateWindow {
			return i
		}
	}
	return -1
}
