package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"astro_chat/internal/domain"
	"astro_chat/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	keys   []string
	bodies []Event
	err    error
}

func (c *capturePublisher) Publish(ctx context.Context, routingKey string, body interface{}) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, routingKey)
	c.bodies = append(c.bodies, body.(Event))
	return nil
}

var outboxColumns = []string{"id", "event_type", "payload", "status", "created_at"}

func TestProcessBatchPublishesAndMarks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	created := time.Date(2025, 12, 17, 14, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_events")).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(id.String(), domain.EventTypeMessageCreated, []byte(`{"serverId":"s1"}`), "pending", created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pub := &capturePublisher{}
	w := NewWorker(repository.NewPostgresOutboxRepository(db), nil, pub)

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.bodies, 1)
	assert.Equal(t, "events.message_created", pub.keys[0])
	assert.Equal(t, id, pub.bodies[0].ID)

	raw, err := json.Marshal(pub.bodies[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"payload":{"serverId":"s1"}`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatchRollsBackOnPublishFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_events")).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(uuid.NewString(), domain.EventTypeMessageRead, []byte(`{}`), "pending", time.Now()))
	mock.ExpectRollback()

	w := NewWorker(repository.NewPostgresOutboxRepository(db), nil, &capturePublisher{err: errors.New("broker down")})
	_, err = w.ProcessBatch(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox_events")).
		WillReturnRows(sqlmock.NewRows(outboxColumns))
	mock.ExpectRollback()

	w := NewWorker(repository.NewPostgresOutboxRepository(db), nil, &capturePublisher{})
	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
