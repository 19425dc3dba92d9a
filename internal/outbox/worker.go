package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"astro_chat/internal/broker"
	"astro_chat/internal/repository"

	"github.com/google/uuid"
)

// Publisher delivers one outbox event downstream.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
}

// Event is the published body; it matches the websocket envelope shape.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

type Worker struct {
	repo       repository.OutboxRepository
	publishers []Publisher
	batchSize  int
	logger     *slog.Logger
}

func NewWorker(repo repository.OutboxRepository, logger *slog.Logger, publishers ...Publisher) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		repo:       repo,
		publishers: publishers,
		batchSize:  100,
		logger:     logger,
	}
}

// Start polls until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Outbox worker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ProcessBatch(ctx); err != nil {
				w.logger.Error("Failed to process outbox batch", "error", err)
			}
		}
	}
}

// ProcessBatch publishes one batch of pending events. Events are marked
// processed only when every publisher accepted the whole batch; otherwise
// the transaction rolls back and the batch is retried on the next tick.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := w.repo.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	events, err := w.repo.FetchPending(ctx, tx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(events))
	for _, e := range events {
		body := Event{ID: e.ID, Type: e.EventType, Payload: e.Payload, CreatedAt: e.CreatedAt}
		for _, p := range w.publishers {
			if err := p.Publish(ctx, broker.EventRoutingKey(e.EventType), body); err != nil {
				return 0, fmt.Errorf("failed to publish event %s: %w", e.ID, err)
			}
		}
		ids = append(ids, e.ID)
	}

	if err := w.repo.MarkProcessed(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}
	w.logger.Debug("Outbox batch published", "count", len(ids))
	return len(ids), nil
}

// LogPublisher is used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, routingKey string, body interface{}) error {
	p.Logger.Info("Outbox event", "routing_key", routingKey)
	return nil
}
