package typing

import (
	"log/slog"
	"sync"
	"time"

	"astro_chat/internal/clock"
	"astro_chat/internal/domain"
)

const (
	DefaultStopAfter     = 1500 * time.Millisecond
	DefaultRemoteTimeout = 5 * time.Second
)

// Emitter sends an event over the live connection.
type Emitter interface {
	Emit(eventType string, payload interface{}) error
}

type Config struct {
	UserID       string
	AstrologerID string
	// StopAfter is the keystroke silence after which "stop_typing" is sent.
	StopAfter time.Duration
	// RemoteTimeout clears a remote typing flag nobody refreshed. Zero keeps
	// the flag until an explicit stop or message arrives.
	RemoteTimeout time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
	// OnRemoteChange runs whenever the remote typing flag flips.
	OnRemoteChange func(typing bool)
}

type Controller struct {
	emitter Emitter
	cfg     Config

	mu          sync.Mutex
	localTyping bool
	stopTimer   clock.Timer
	stopGen     uint64
	remote      bool
	remoteTimer clock.Timer
	remoteGen   uint64
	closed      bool
}

func NewController(emitter Emitter, cfg Config) *Controller {
	if cfg.StopAfter <= 0 {
		cfg.StopAfter = DefaultStopAfter
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{emitter: emitter, cfg: cfg}
}

func (c *Controller) signal() domain.TypingSignal {
	return domain.TypingSignal{UserID: c.cfg.UserID, AstrologerID: c.cfg.AstrologerID}
}

// Keystroke emits "typing" and re-arms the stop timer.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.localTyping = true
	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.stopGen++
	gen := c.stopGen
	c.stopTimer = c.cfg.Clock.AfterFunc(c.cfg.StopAfter, func() { c.expire(gen) })
	c.mu.Unlock()

	c.emit(domain.EventTyping)
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if c.closed || c.stopGen != gen || !c.localTyping {
		c.mu.Unlock()
		return
	}
	c.localTyping = false
	c.stopTimer = nil
	c.mu.Unlock()

	c.emit(domain.EventStopTyping)
}

// Stop ends local typing immediately, e.g. when the message is sent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.localTyping {
		c.mu.Unlock()
		return
	}
	c.localTyping = false
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	c.mu.Unlock()

	c.emit(domain.EventStopTyping)
}

func (c *Controller) LocalTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localTyping
}

// SetRemote applies an inbound typing signal from the other participant.
func (c *Controller) SetRemote(typing bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.remoteTimer != nil {
		c.remoteTimer.Stop()
		c.remoteTimer = nil
	}
	if typing && c.cfg.RemoteTimeout > 0 {
		c.remoteGen++
		gen := c.remoteGen
		c.remoteTimer = c.cfg.Clock.AfterFunc(c.cfg.RemoteTimeout, func() { c.remoteExpired(gen) })
	}
	changed := c.remote != typing
	c.remote = typing
	c.mu.Unlock()

	if changed && c.cfg.OnRemoteChange != nil {
		c.cfg.OnRemoteChange(typing)
	}
}

func (c *Controller) remoteExpired(gen uint64) {
	c.mu.Lock()
	if c.closed || c.remoteGen != gen || !c.remote {
		c.mu.Unlock()
		return
	}
	c.remote = false
	c.remoteTimer = nil
	c.mu.Unlock()

	c.cfg.Logger.Debug("remote typing indicator timed out", "user_id", c.cfg.UserID)
	if c.cfg.OnRemoteChange != nil {
		c.cfg.OnRemoteChange(false)
	}
}

func (c *Controller) RemoteTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Close cancels both timers. No events are emitted afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	if c.remoteTimer != nil {
		c.remoteTimer.Stop()
		c.remoteTimer = nil
	}
	c.localTyping = false
}

func (c *Controller) emit(eventType string) {
	if err := c.emitter.Emit(eventType, c.signal()); err != nil {
		c.cfg.Logger.Debug("typing signal not sent", "event", eventType, "error", err)
	}
}
