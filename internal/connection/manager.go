// Package connection owns the single live websocket between the chat client
// and the messaging server.
package connection

import (
	"log/slog"
	"net/url"
	"sync"
	"time"

	"astro_chat/internal/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithBackOff sets the reconnect policy. The factory is called once per Conn.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(m *Manager) { m.newBackOff = f }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

// Manager hands out at most one Conn per process. It is constructed once and
// passed to every component that needs the connection.
type Manager struct {
	baseURL      string
	dialer       *websocket.Dialer
	logger       *slog.Logger
	newBackOff   func() backoff.BackOff
	writeTimeout time.Duration

	mu   sync.Mutex
	conn *Conn
}

func NewManager(baseURL string, opts ...Option) *Manager {
	m := &Manager{
		baseURL:      baseURL,
		dialer:       websocket.DefaultDialer,
		logger:       slog.Default(),
		writeTimeout: 10 * time.Second,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the connection bound to id, creating and starting it if
// needed. A connection bound to a different identity is closed and replaced.
// The returned Conn may not be live yet; Emit reports ErrNotConnected until it is.
func (m *Manager) GetOrCreate(id domain.Identity) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && !m.conn.isClosed() {
		if m.conn.identity == id {
			return m.conn, nil
		}
		m.logger.Info("replacing connection for new identity",
			"old_user_id", m.conn.identity.UserID, "new_user_id", id.UserID)
		m.conn.Close()
	}

	target, err := dialURL(m.baseURL, id)
	if err != nil {
		return nil, err
	}
	c := newConn(target, id, m.dialer, m.newBackOff(), m.writeTimeout, m.logger)
	m.conn = c
	go c.run()
	return c, nil
}

// Get returns the current connection, if one was ever created and not closed.
func (m *Manager) Get() (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.conn.isClosed() {
		return nil, false
	}
	return m.conn, true
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func dialURL(base string, id domain.Identity) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("user_id", id.UserID)
	q.Set("role", string(id.Role))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
