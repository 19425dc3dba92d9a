package window

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"astro_chat/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(date string, hh, mm int) time.Time {
	d, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		panic(err)
	}
	return d.Add(time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute)
}

func TestParseAcceptsBothDateLayouts(t *testing.T) {
	for _, date := range []string{"2025-12-17", "17-12-2025"} {
		b, err := Parse(date, "10:00 - 10:30", time.UTC)
		require.NoError(t, err, date)
		assert.Equal(t, at("2025-12-17", 10, 0), b.From)
		assert.Equal(t, at("2025-12-17", 10, 30), b.To)
	}
}

func TestParseTwelveHourClock(t *testing.T) {
	b, err := Parse("2025-12-17", "2:00 pm - 2:30 PM", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, at("2025-12-17", 14, 0), b.From)
	assert.Equal(t, at("2025-12-17", 14, 30), b.To)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("17/12/2025", "10:00 - 10:30", time.UTC)
	assert.ErrorIs(t, err, ErrBadDate)

	_, err = Parse("2025-12-17", "10:00", time.UTC)
	assert.ErrorIs(t, err, ErrBadTimeRange)

	_, err = Parse("2025-12-17", "10:30 - 10:00", time.UTC)
	assert.ErrorIs(t, err, ErrBadTimeRange)
}

func TestSessionGating(t *testing.T) {
	var ended int32
	g := New(Config{
		BookingDate: "2025-12-17",
		TimeRange:   "14:00 - 14:30",
		Location:    time.UTC,
		OnEnded:     func() { atomic.AddInt32(&ended, 1) },
	})

	assert.Equal(t, Active, g.Evaluate(at("2025-12-17", 14, 15)))
	assert.True(t, g.Allowed())

	assert.Equal(t, Ended, g.Evaluate(at("2025-12-17", 14, 31)))
	assert.Equal(t, Ended, g.Evaluate(at("2025-12-17", 14, 32)))
	assert.Equal(t, Ended, g.Evaluate(at("2025-12-17", 15, 0)))
	assert.False(t, g.Allowed())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ended))
}

func TestEndedIsSticky(t *testing.T) {
	var ended int32
	g := New(Config{
		BookingDate: "2025-12-17",
		TimeRange:   "14:00 - 14:30",
		Location:    time.UTC,
		OnEnded:     func() { atomic.AddInt32(&ended, 1) },
	})
	g.Evaluate(at("2025-12-17", 14, 10))
	g.Evaluate(at("2025-12-17", 14, 40))
	assert.Equal(t, Ended, g.Evaluate(at("2025-12-17", 14, 20)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ended))
}

func TestClockGoingBackwardsEndsSession(t *testing.T) {
	var ended int32
	g := New(Config{
		BookingDate: "2025-12-17",
		TimeRange:   "14:00 - 14:30",
		Location:    time.UTC,
		OnEnded:     func() { atomic.AddInt32(&ended, 1) },
	})
	g.Evaluate(at("2025-12-17", 14, 10))
	assert.Equal(t, Ended, g.Evaluate(at("2025-12-17", 13, 0)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ended))
}

func TestOpenedAfterWindowDoesNotFire(t *testing.T) {
	var ended int32
	g := New(Config{
		BookingDate: "2025-12-17",
		TimeRange:   "14:00 - 14:30",
		Location:    time.UTC,
		OnEnded:     func() { atomic.AddInt32(&ended, 1) },
	})
	assert.Equal(t, Ended, g.Evaluate(at("2025-12-17", 16, 0)))
	assert.Equal(t, Ended, g.Evaluate(at("2025-12-17", 16, 30)))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ended))
}

func TestBeforeThenActive(t *testing.T) {
	g := New(Config{BookingDate: "2025-12-17", TimeRange: "14:00 - 14:30", Location: time.UTC})
	assert.Equal(t, Before, g.Evaluate(at("2025-12-17", 13, 59)))
	assert.False(t, g.Allowed())
	assert.Equal(t, Active, g.Evaluate(at("2025-12-17", 14, 0)))
	assert.Equal(t, Active, g.Evaluate(at("2025-12-17", 14, 30)))
}

func TestCrossDayWindowRejected(t *testing.T) {
	g := New(Config{BookingDate: "2025-12-17", TimeRange: "10:00 - 10:30", Location: time.UTC})
	assert.NotEqual(t, Active, g.Evaluate(at("2025-12-18", 10, 15)))
	assert.False(t, g.Allowed())

	g = New(Config{BookingDate: "2025-12-17", TimeRange: "10:00 - 10:30", Location: time.UTC})
	assert.Equal(t, Before, g.Evaluate(at("2025-12-16", 10, 15)))
}

func TestMalformedBookingFailsClosed(t *testing.T) {
	g := New(Config{BookingDate: "tomorrow", TimeRange: "14:00 - 14:30", Location: time.UTC})
	assert.Equal(t, Before, g.Evaluate(at("2025-12-17", 14, 15)))
	assert.False(t, g.Allowed())
	_, ok := g.Bounds()
	assert.False(t, ok)
}

func TestRunDetectsExpiryWithinOneInterval(t *testing.T) {
	clk := clock.NewManual(at("2025-12-17", 14, 29))
	ended := make(chan struct{}, 4)
	g := New(Config{
		BookingDate: "2025-12-17",
		TimeRange:   "14:00 - 14:30",
		Location:    time.UTC,
		Interval:    30 * time.Second,
		Clock:       clk,
		OnEnded:     func() { ended <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return g.Allowed() }, time.Second, 5*time.Millisecond)

	for i := 0; i < 4; i++ {
		clk.Advance(30 * time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("ended transition not observed")
	}
	assert.Equal(t, Ended, g.State())

	cancel()
	<-done
	assert.Len(t, ended, 0)
}
