package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"astro_chat/internal/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer reflects every envelope back with its type prefixed by "echo_"
// and keeps the accepted sockets so tests can drop them.
type echoServer struct {
	*httptest.Server
	mu      sync.Mutex
	conns   []*websocket.Conn
	queries []string
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, ws)
		es.queries = append(es.queries, r.URL.RawQuery)
		es.mu.Unlock()
		for {
			var env domain.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				return
			}
			env.Type = "echo_" + env.Type
			if err := ws.WriteJSON(env); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(es.URL, "http") + "/ws"
}

func (es *echoServer) dropAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		c.Close()
	}
}

func (es *echoServer) accepted() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.conns)
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

var customer = domain.Identity{UserID: "cust-1", Role: domain.RoleCustomer}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	es := newEchoServer(t)
	m := NewManager(es.wsURL(), WithBackOff(fastBackOff))
	defer m.Close()

	_, ok := m.Get()
	assert.False(t, ok)

	c1, err := m.GetOrCreate(customer)
	require.NoError(t, err)
	c2, err := m.GetOrCreate(customer)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	got, ok := m.Get()
	require.True(t, ok)
	assert.Same(t, c1, got)

	require.Eventually(t, c1.Connected, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, es.accepted())
	assert.Contains(t, es.queries[0], "user_id=cust-1")
	assert.Contains(t, es.queries[0], "role=customer")
}

func TestGetOrCreateReplacesOtherIdentity(t *testing.T) {
	es := newEchoServer(t)
	m := NewManager(es.wsURL(), WithBackOff(fastBackOff))
	defer m.Close()

	c1, err := m.GetOrCreate(customer)
	require.NoError(t, err)
	c2, err := m.GetOrCreate(domain.Identity{UserID: "astro-1", Role: domain.RoleAstrologer})
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
	assert.False(t, c1.Connected())
	assert.Equal(t, "astro-1", c2.Identity().UserID)
}

func TestEmitBeforeConnectIsRefused(t *testing.T) {
	m := NewManager("ws://127.0.0.1:1/ws", WithBackOff(fastBackOff))
	defer m.Close()

	c, err := m.GetOrCreate(customer)
	require.NoError(t, err)
	err = c.Emit(domain.EventTyping, domain.TypingSignal{UserID: "cust-1"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHandlersRunInOrderAndUnsubscribe(t *testing.T) {
	es := newEchoServer(t)
	m := NewManager(es.wsURL(), WithBackOff(fastBackOff))
	defer m.Close()
	c, err := m.GetOrCreate(customer)
	require.NoError(t, err)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	var mu sync.Mutex
	var got []string
	off := c.On("echo_"+domain.EventSendMessage, func(p json.RawMessage) {
		var sm domain.SendMessage
		assert.NoError(t, json.Unmarshal(p, &sm))
		mu.Lock()
		got = append(got, sm.Text)
		mu.Unlock()
	})

	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, c.Emit(domain.EventSendMessage, domain.SendMessage{Text: text}))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, got)

	off()
	assert.Equal(t, 0, c.Subscriptions())
	require.NoError(t, c.Emit(domain.EventSendMessage, domain.SendMessage{Text: "four"}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 3)
	mu.Unlock()
}

func TestReconnectRunsOnConnectAgain(t *testing.T) {
	es := newEchoServer(t)
	m := NewManager(es.wsURL(), WithBackOff(fastBackOff))
	defer m.Close()
	c, err := m.GetOrCreate(customer)
	require.NoError(t, err)

	var mu sync.Mutex
	joins := 0
	c.OnConnect(func() {
		mu.Lock()
		joins++
		mu.Unlock()
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joins == 1
	}, time.Second, 5*time.Millisecond)

	es.dropAll()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joins == 2 && c.Connected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, es.accepted())
}

func TestCloseStopsEverything(t *testing.T) {
	es := newEchoServer(t)
	m := NewManager(es.wsURL(), WithBackOff(fastBackOff))
	c, err := m.GetOrCreate(customer)
	require.NoError(t, err)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	m.Close()
	assert.False(t, c.Connected())
	_, ok := m.Get()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Emit(domain.EventTyping, nil), ErrNotConnected)
}

func TestCloseFromHandlerDoesNotDeadlock(t *testing.T) {
	es := newEchoServer(t)
	m := NewManager(es.wsURL(), WithBackOff(fastBackOff))
	defer m.Close()
	c, err := m.GetOrCreate(customer)
	require.NoError(t, err)
	require.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)

	returned := make(chan struct{})
	var after bool
	c.On("echo_"+domain.EventTyping, func(json.RawMessage) {
		m.Close()
		close(returned)
	})
	c.On("echo_"+domain.EventTyping, func(json.RawMessage) { after = true })
	require.NoError(t, c.Emit(domain.EventTyping, domain.TypingSignal{UserID: "cust-1"}))

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked inside handler")
	}
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.False(t, after)
	assert.False(t, c.Connected())
}
