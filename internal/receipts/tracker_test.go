package receipts

import (
	"errors"
	"testing"
	"time"

	"astro_chat/internal/clock"
	"astro_chat/internal/domain"
	"astro_chat/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmitter struct {
	sent []domain.MarkRead
	err  error
}

func (f *fakeEmitter) Emit(eventType string, payload interface{}) error {
	if f.err != nil {
		return f.err
	}
	if eventType == domain.EventMarkRead {
		f.sent = append(f.sent, payload.(domain.MarkRead))
	}
	return nil
}

func setup(t *testing.T) (*Tracker, *store.Store, *fakeEmitter) {
	t.Helper()
	st := store.New("cust-1", "astro-1", clock.NewManual(time.Date(2025, 12, 17, 14, 0, 0, 0, time.UTC)))
	em := &fakeEmitter{}
	return NewTracker(st, em, "cust-1", nil), st, em
}

func TestDeliveredThenRead(t *testing.T) {
	tr, st, _ := setup(t)
	local, err := st.AppendLocal("When is my next good muhurat?")
	require.NoError(t, err)

	require.True(t, tr.HandleDelivered(domain.DeliveredAck{ClientTempID: local.ClientTempID, ServerID: "s1"}))
	msg, ok := st.Get("s1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusDelivered, msg.Status)
	assert.Empty(t, msg.ClientTempID)

	require.True(t, tr.HandleRead(domain.ReadAck{ServerID: "s1"}))
	msg, _ = st.Get("s1")
	assert.Equal(t, domain.StatusRead, msg.Status)
}

func TestLateDeliveredDoesNotRegressRead(t *testing.T) {
	tr, st, _ := setup(t)
	st.ReconcileInbound(domain.InboundMessage{ServerID: "s1", Text: "x", SenderID: "cust-1", Timestamp: time.Now()})

	tr.HandleRead(domain.ReadAck{ServerID: "s1"})
	tr.HandleDelivered(domain.DeliveredAck{ServerID: "s1"})

	msg, _ := st.Get("s1")
	assert.Equal(t, domain.StatusRead, msg.Status)
}

func TestUnknownAcksAreIgnored(t *testing.T) {
	tr, st, _ := setup(t)
	assert.False(t, tr.HandleDelivered(domain.DeliveredAck{ClientTempID: "t?", ServerID: "s?"}))
	assert.False(t, tr.HandleRead(domain.ReadAck{ServerID: "s?"}))
	assert.Equal(t, 0, st.Len())
}

func TestAcknowledgeInboundOnlyForPeerMessages(t *testing.T) {
	tr, _, em := setup(t)

	assert.True(t, tr.AcknowledgeInbound(domain.Message{ServerID: "s1", SenderID: "astro-1"}))
	assert.False(t, tr.AcknowledgeInbound(domain.Message{ServerID: "s2", SenderID: "cust-1"}))
	assert.False(t, tr.AcknowledgeInbound(domain.Message{SenderID: "astro-1"}))

	require.Len(t, em.sent, 1)
	assert.Equal(t, domain.MarkRead{MessageID: "s1", UserID: "cust-1"}, em.sent[0])
}

func TestAcknowledgeInboundReportsEmitFailure(t *testing.T) {
	tr, _, em := setup(t)
	em.err = errors.New("not connected")
	assert.False(t, tr.AcknowledgeInbound(domain.Message{ServerID: "s1", SenderID: "astro-1"}))
}
