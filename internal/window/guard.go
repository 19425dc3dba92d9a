// Package window decides whether a booked consultation currently allows
// chatting.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"astro_chat/internal/clock"
)

const DefaultInterval = 30 * time.Second

var (
	ErrBadDate      = errors.New("unrecognised booking date")
	ErrBadTimeRange = errors.New("unrecognised time range")
)

var (
	dateLayouts  = []string{"2006-01-02", "02-01-2006"}
	clockLayouts = []string{"15:04", "3:04 PM", "3:04PM"}
)

type State int

const (
	Before State = iota
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Before:
		return "before"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Bounds is a parsed booking: both instants fall on the same calendar day.
type Bounds struct {
	From time.Time
	To   time.Time
}

// Parse resolves a booking date and a "HH:MM - HH:MM" range into instants in loc.
func Parse(bookingDate, timeRange string, loc *time.Location) (Bounds, error) {
	if loc == nil {
		loc = time.Local
	}
	day, err := parseDate(strings.TrimSpace(bookingDate), loc)
	if err != nil {
		return Bounds{}, err
	}

	parts := strings.Split(timeRange, "-")
	if len(parts) != 2 {
		return Bounds{}, fmt.Errorf("%w: %q", ErrBadTimeRange, timeRange)
	}
	from, err := parseClock(parts[0])
	if err != nil {
		return Bounds{}, fmt.Errorf("%w: %q", ErrBadTimeRange, timeRange)
	}
	to, err := parseClock(parts[1])
	if err != nil {
		return Bounds{}, fmt.Errorf("%w: %q", ErrBadTimeRange, timeRange)
	}

	b := Bounds{
		From: time.Date(day.Year(), day.Month(), day.Day(), from.Hour(), from.Minute(), 0, 0, loc),
		To:   time.Date(day.Year(), day.Month(), day.Day(), to.Hour(), to.Minute(), 0, 0, loc),
	}
	if b.To.Before(b.From) {
		return Bounds{}, fmt.Errorf("%w: %q ends before it starts", ErrBadTimeRange, timeRange)
	}
	return b, nil
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadDate, s)
}

func parseClock(s string) (time.Time, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	var lastErr error
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Classify places now relative to the booking. A different calendar day is
// never active.
func (b Bounds) Classify(now time.Time) State {
	now = now.In(b.From.Location())
	y, m, d := now.Date()
	by, bm, bd := b.From.Date()
	switch {
	case y != by || m != bm || d != bd:
		if now.Before(b.From) {
			return Before
		}
		return Ended
	case now.Before(b.From):
		return Before
	case now.After(b.To):
		return Ended
	}
	return Active
}

type Config struct {
	BookingDate string
	TimeRange   string
	Location    *time.Location
	Interval    time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
	// OnEnded runs once, on the evaluation that moves the guard out of Active.
	OnEnded func()
	// OnChange runs whenever the evaluated state differs from the previous one.
	OnChange func(State)
}

type Guard struct {
	bounds   Bounds
	valid    bool
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	onEnded  func()
	onChange func(State)

	mu        sync.Mutex
	state     State
	evaluated bool
	fired     bool
}

// New never fails: an unparseable booking yields a guard that stays Before.
func New(cfg Config) *Guard {
	g := &Guard{
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		onEnded:  cfg.OnEnded,
		onChange: cfg.OnChange,
	}
	if g.interval <= 0 {
		g.interval = DefaultInterval
	}
	if g.clock == nil {
		g.clock = clock.Real{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}

	b, err := Parse(cfg.BookingDate, cfg.TimeRange, cfg.Location)
	if err != nil {
		g.logger.Warn("session window unparseable, chat disabled",
			"booking_date", cfg.BookingDate, "time_range", cfg.TimeRange, "error", err)
		return g
	}
	g.bounds = b
	g.valid = true
	return g
}

func (g *Guard) Bounds() (Bounds, bool) {
	return g.bounds, g.valid
}

// Evaluate recomputes the state for now and fires transition callbacks.
func (g *Guard) Evaluate(now time.Time) State {
	next := Before
	if g.valid {
		next = g.bounds.Classify(now)
	}

	g.mu.Lock()
	prev := g.state
	if prev == Ended || (g.evaluated && prev == Active && next == Before) {
		next = Ended
	}
	changed := !g.evaluated || next != prev
	fireEnded := g.evaluated && prev == Active && next != Active && !g.fired
	if fireEnded {
		g.fired = true
	}
	g.state = next
	g.evaluated = true
	g.mu.Unlock()

	if changed {
		g.logger.Debug("session window state", "state", next.String())
		if g.onChange != nil {
			g.onChange(next)
		}
	}
	if fireEnded {
		g.logger.Info("session window ended")
		if g.onEnded != nil {
			g.onEnded()
		}
	}
	return next
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Allowed reports whether composing is permitted.
func (g *Guard) Allowed() bool {
	return g.State() == Active
}

// Run evaluates immediately and then once per interval until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	g.Evaluate(g.clock.Now())

	ticker := g.clock.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			g.Evaluate(g.clock.Now())
		}
	}
}
