package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"astro_chat/internal/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 * 1024

var ErrNotConnected = errors.New("connection is not live")

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

type subscription struct {
	id    uint64
	event string
	fn    Handler
}

// Conn is a self-healing websocket. Handlers registered with On survive
// reconnects and are invoked one at a time, in receive order.
type Conn struct {
	url          string
	identity     domain.Identity
	dialer       *websocket.Dialer
	backOff      backoff.BackOff
	writeTimeout time.Duration
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// set while a handler or connect hook runs on the read goroutine
	handling atomic.Bool

	mu        sync.RWMutex
	ws        *websocket.Conn
	subs      []subscription
	onConnect []subscription
	nextID    uint64

	wmu sync.Mutex
}

func newConn(target string, id domain.Identity, dialer *websocket.Dialer, b backoff.BackOff, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		url:          target,
		identity:     id,
		dialer:       dialer,
		backOff:      b,
		writeTimeout: writeTimeout,
		logger:       logger.With("user_id", id.UserID, "role", string(id.Role)),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

func (c *Conn) Identity() domain.Identity {
	return c.identity
}

// Connected reports whether a socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ws != nil
}

// On subscribes fn to eventType. The returned func removes the subscription.
func (c *Conn) On(eventType string, fn Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, subscription{id: id, event: eventType, fn: fn})
	return func() { c.remove(id) }
}

// OnConnect registers fn to run after every successful (re)connect. If the
// socket is already live fn also runs immediately.
func (c *Conn) OnConnect(fn func()) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.onConnect = append(c.onConnect, subscription{id: id, fn: func(json.RawMessage) { fn() }})
	live := c.ws != nil
	c.mu.Unlock()

	if live {
		fn()
	}
	return func() { c.remove(id) }
}

func (c *Conn) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = removeSub(c.subs, id)
	c.onConnect = removeSub(c.onConnect, id)
}

func removeSub(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Subscriptions reports how many event handlers are registered.
func (c *Conn) Subscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) + len(c.onConnect)
}

// Emit writes one event. It never queues: when the socket is down the
// caller gets ErrNotConnected.
func (c *Conn) Emit(eventType string, payload interface{}) error {
	env, err := domain.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return fmt.Errorf("failed to write %s: %w", eventType, errors.Join(ErrNotConnected, err))
	}
	return nil
}

// Close stops reconnecting and closes the socket. It waits for the read
// loop to exit, so no handler runs after Close returns. Called from inside a
// handler it cannot wait for itself: it returns at once and no further
// handler is started.
func (c *Conn) Close() {
	c.cancel()
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()
	if ws != nil {
		c.wmu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		ws.Close()
	}
	if c.handling.Load() {
		return
	}
	<-c.done
}

func (c *Conn) isClosed() bool {
	return c.ctx.Err() != nil
}

func (c *Conn) run() {
	defer close(c.done)
	for {
		ws, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			wait := c.backOff.NextBackOff()
			if wait == backoff.Stop {
				wait = 30 * time.Second
			}
			c.logger.Warn("Failed to connect, retrying", "error", err, "retry_in", wait)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		c.backOff.Reset()

		c.mu.Lock()
		c.ws = ws
		hooks := append([]subscription(nil), c.onConnect...)
		c.mu.Unlock()
		if c.ctx.Err() != nil {
			ws.Close()
			c.clear(ws)
			return
		}

		c.logger.Info("Connected", "url", c.url)
		for _, h := range hooks {
			if !c.call(h.fn, nil) {
				break
			}
		}

		c.readLoop(ws)
		c.clear(ws)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("Connection lost, reconnecting")
	}
}

func (c *Conn) clear(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Read error", "error", err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Failed to unmarshal event", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env domain.Envelope) {
	c.mu.RLock()
	var targets []Handler
	for _, s := range c.subs {
		if s.event == env.Type {
			targets = append(targets, s.fn)
		}
	}
	c.mu.RUnlock()

	if len(targets) == 0 {
		c.logger.Debug("No handler for event", "type", env.Type)
		return
	}
	for _, fn := range targets {
		if !c.call(fn, env.Payload) {
			return
		}
	}
}

// call runs fn on the read goroutine unless the connection was closed. It
// reports whether fn ran.
func (c *Conn) call(fn Handler, payload json.RawMessage) bool {
	if c.ctx.Err() != nil {
		return false
	}
	c.handling.Store(true)
	defer c.handling.Store(false)
	fn(payload)
	return true
}
