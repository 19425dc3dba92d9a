// Package session wires the chat components for one customer/astrologer
// conversation: transcript, receipts, typing, booking window and history.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"astro_chat/internal/clock"
	"astro_chat/internal/connection"
	"astro_chat/internal/domain"
	"astro_chat/internal/history"
	"astro_chat/internal/receipts"
	"astro_chat/internal/store"
	"astro_chat/internal/typing"
	"astro_chat/internal/window"
)

var (
	ErrWindowNotActive = errors.New("consultation window is not active")
	ErrClosed          = errors.New("session closed")
)

type Config struct {
	Self domain.Identity
	Pair domain.Pair

	BookingDate    string
	TimeRange      string
	Location       *time.Location
	WindowInterval time.Duration

	TypingStopAfter     time.Duration
	RemoteTypingTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger

	// OnChange runs after anything visible changed: transcript, typing or window state.
	OnChange func()
	// OnEnded runs once when the consultation window closes mid-conversation.
	OnEnded func()
}

func (c Config) validate() error {
	if c.Pair.CustomerID == "" || c.Pair.AstrologerID == "" {
		return errors.New("session: customer and astrologer ids are required")
	}
	if c.Self.UserID != c.Pair.CustomerID && c.Self.UserID != c.Pair.AstrologerID {
		return fmt.Errorf("session: user %q is not part of conversation %s", c.Self.UserID, c.Pair.Key())
	}
	if !c.Self.Role.Valid() {
		return fmt.Errorf("session: invalid role %q", c.Self.Role)
	}
	return nil
}

type Session struct {
	cfg    Config
	peerID string
	conn   *connection.Conn
	logger *slog.Logger

	store    *store.Store
	guard    *window.Guard
	typing   *typing.Controller
	receipts *receipts.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	unsubs    []func()
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open mounts a session: it subscribes to the connection, joins the
// conversation on every connect, starts the single history fetch and starts
// polling the booking window.
func Open(ctx context.Context, mgr *connection.Manager, fetcher history.Fetcher, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	conn, err := mgr.GetOrCreate(cfg.Self)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	logger := cfg.Logger.With("conversation", cfg.Pair.Key(), "user_id", cfg.Self.UserID)
	s := &Session{
		cfg:    cfg,
		peerID: cfg.Pair.Peer(cfg.Self.UserID),
		conn:   conn,
		logger: logger,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.store = store.New(cfg.Self.UserID, s.peerID, cfg.Clock)
	s.receipts = receipts.NewTracker(s.store, conn, cfg.Self.UserID, logger)
	s.typing = typing.NewController(conn, typing.Config{
		UserID:         cfg.Self.UserID,
		AstrologerID:   cfg.Pair.AstrologerID,
		StopAfter:      cfg.TypingStopAfter,
		RemoteTimeout:  cfg.RemoteTypingTimeout,
		Clock:          cfg.Clock,
		Logger:         logger,
		OnRemoteChange: func(bool) { s.changed() },
	})
	s.guard = window.New(window.Config{
		BookingDate: cfg.BookingDate,
		TimeRange:   cfg.TimeRange,
		Location:    cfg.Location,
		Interval:    cfg.WindowInterval,
		Clock:       cfg.Clock,
		Logger:      logger,
		OnEnded:     s.windowEnded,
		OnChange:    func(window.State) { s.changed() },
	})
	s.guard.Evaluate(cfg.Clock.Now())

	s.unsubs = append(s.unsubs,
		conn.On(domain.EventReceiveMessage, s.onMessage),
		conn.On(domain.EventTyping, s.onTyping(true)),
		conn.On(domain.EventStopTyping, s.onTyping(false)),
		conn.On(domain.EventMessageDelivered, s.onDelivered),
		conn.On(domain.EventMessageRead, s.onRead),
		conn.On(domain.EventError, s.onError),
		conn.OnConnect(s.join),
	)

	loader := history.NewLoader(fetcher, logger)
	go func() {
		if n, err := loader.Load(s.ctx, cfg.Pair, s.store, s.live); err == nil && n > 0 {
			s.changed()
		}
	}()
	go s.guard.Run(s.ctx)

	logger.Info("Chat session opened", "window", s.guard.State().String())
	return s, nil
}

func (s *Session) Pair() domain.Pair { return s.cfg.Pair }

func (s *Session) live() bool { return !s.closed.Load() }

// Send composes a message. It is refused while the window is not active and
// while the connection is down; in the latter case nothing is appended so
// the caller can offer a retry.
func (s *Session) Send(text string) (domain.Message, error) {
	if s.closed.Load() {
		return domain.Message{}, ErrClosed
	}
	if !s.guard.Allowed() {
		return domain.Message{}, ErrWindowNotActive
	}
	if !s.conn.Connected() {
		return domain.Message{}, connection.ErrNotConnected
	}

	msg, err := s.store.AppendLocal(text)
	if err != nil {
		return domain.Message{}, err
	}
	s.changed()

	err = s.conn.Emit(domain.EventSendMessage, domain.SendMessage{
		ClientTempID: msg.ClientTempID,
		Text:         msg.Text,
		SenderID:     msg.SenderID,
		ReceiverID:   msg.ReceiverID,
		Timestamp:    msg.Timestamp,
	})
	s.typing.Stop()
	if err != nil {
		s.logger.Warn("Failed to emit message", "client_temp_id", msg.ClientTempID, "error", err)
		return msg, err
	}
	return msg, nil
}

// Keystroke reports local typing activity.
func (s *Session) Keystroke() {
	if s.closed.Load() || !s.guard.Allowed() {
		return
	}
	s.typing.Keystroke()
}

func (s *Session) Messages() []domain.Message { return s.store.Messages() }

func (s *Session) Message(id string) (domain.Message, bool) { return s.store.Get(id) }

func (s *Session) RemoteTyping() bool { return s.typing.RemoteTyping() }

func (s *Session) WindowState() window.State { return s.guard.State() }

// CanSend mirrors whether the composer should be enabled.
func (s *Session) CanSend() bool { return !s.closed.Load() && s.guard.Allowed() }

func (s *Session) Connected() bool { return s.conn.Connected() }

// Close tears the session down: handlers are unsubscribed, timers stopped
// and a history response still in flight is discarded. The shared
// connection stays open. Safe to call from OnEnded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, off := range s.unsubs {
			off()
		}
		s.typing.Close()
		s.cancel()
		s.logger.Info("Chat session closed")
	})
}

func (s *Session) join() {
	err := s.conn.Emit(domain.EventJoinConversation, domain.JoinConversation{
		CustomerID:   s.cfg.Pair.CustomerID,
		AstrologerID: s.cfg.Pair.AstrologerID,
	})
	if err != nil {
		s.logger.Warn("Failed to join conversation", "error", err)
	}
}

func (s *Session) onMessage(payload json.RawMessage) {
	var in domain.InboundMessage
	if err := json.Unmarshal(payload, &in); err != nil {
		s.logger.Warn("Failed to unmarshal message", "error", err)
		return
	}
	if !s.belongs(in.SenderID, in.ReceiverID) {
		return
	}

	msg, outcome := s.store.ReconcileInbound(in)
	s.logger.Debug("Inbound message", "server_id", msg.ServerID, "outcome", outcome.String())

	if in.SenderID == s.peerID {
		s.typing.SetRemote(false)
		if outcome == store.Appended {
			s.receipts.AcknowledgeInbound(msg)
		}
	}
	s.changed()
}

// belongs filters traffic for other conversations sharing the connection.
// Events without participant ids are accepted.
func (s *Session) belongs(senderID, receiverID string) bool {
	if senderID == "" && receiverID == "" {
		return true
	}
	self := s.cfg.Self.UserID
	return (senderID == self && (receiverID == "" || receiverID == s.peerID)) ||
		(senderID == s.peerID && (receiverID == "" || receiverID == self))
}

func (s *Session) onTyping(on bool) connection.Handler {
	return func(payload json.RawMessage) {
		var sig domain.TypingSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			s.logger.Warn("Failed to unmarshal typing signal", "error", err)
			return
		}
		if sig.UserID != s.peerID {
			return
		}
		s.typing.SetRemote(on)
	}
}

func (s *Session) onDelivered(payload json.RawMessage) {
	var ack domain.DeliveredAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		s.logger.Warn("Failed to unmarshal delivered ack", "error", err)
		return
	}
	if s.receipts.HandleDelivered(ack) {
		s.changed()
	}
}

func (s *Session) onRead(payload json.RawMessage) {
	var ack domain.ReadAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		s.logger.Warn("Failed to unmarshal read ack", "error", err)
		return
	}
	if s.receipts.HandleRead(ack) {
		s.changed()
	}
}

func (s *Session) onError(payload json.RawMessage) {
	var ev domain.ErrorEvent
	json.Unmarshal(payload, &ev)
	s.logger.Warn("Server reported error", "code", ev.Code, "message", ev.Message)
}

func (s *Session) windowEnded() {
	s.typing.Stop()
	if s.cfg.OnEnded != nil && !s.closed.Load() {
		s.cfg.OnEnded()
	}
}

func (s *Session) changed() {
	if s.cfg.OnChange != nil && !s.closed.Load() {
		s.cfg.OnChange()
	}
}
