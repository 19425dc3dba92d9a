package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 12, 17, 10, 0, 0, 0, time.UTC)

func TestManualFiresTimersInOrder(t *testing.T) {
	m := NewManual(epoch)
	var order []string
	m.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	m.AfterFunc(time.Second, func() { order = append(order, "first") })
	stopped := m.AfterFunc(1500*time.Millisecond, func() { order = append(order, "stopped") })

	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())
	assert.Equal(t, 2, m.PendingTimers())

	m.Advance(time.Second)
	assert.Equal(t, []string{"first"}, order)

	m.Advance(5 * time.Second)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, epoch.Add(6*time.Second), m.Now())
	assert.Zero(t, m.PendingTimers())
}

func TestManualTimerSeesItsDeadline(t *testing.T) {
	m := NewManual(epoch)
	var seen time.Time
	m.AfterFunc(time.Minute, func() { seen = m.Now() })
	m.Advance(time.Hour)
	assert.Equal(t, epoch.Add(time.Minute), seen)
}

func TestManualTickerCoalesces(t *testing.T) {
	m := NewManual(epoch)
	tk := m.NewTicker(time.Second)

	m.Advance(500 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("ticked early")
	default:
	}

	m.Advance(10 * time.Second)
	select {
	case got := <-tk.C():
		assert.Equal(t, epoch.Add(10500*time.Millisecond), got)
	default:
		t.Fatal("expected a tick")
	}
	select {
	case <-tk.C():
		t.Fatal("ticks should coalesce")
	default:
	}

	tk.Stop()
	m.Advance(time.Hour)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker ticked")
	default:
	}
}
