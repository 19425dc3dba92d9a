package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"astro_chat/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Schema creates the relay tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id             UUID PRIMARY KEY,
	client_temp_id TEXT,
	sender_id      TEXT NOT NULL,
	receiver_id    TEXT NOT NULL,
	content        TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (sender_id, client_temp_id)
);
CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, receiver_id, created_at);
CREATE TABLE IF NOT EXISTS outbox_events (
	id           UUID PRIMARY KEY,
	event_type   TEXT NOT NULL,
	payload      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	created_at   TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS active_sessions (
	user_id      TEXT NOT NULL,
	conn_id      TEXT NOT NULL,
	node_id      TEXT NOT NULL,
	connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, conn_id)
);
`

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const uniqueViolation = "23505"

type PostgresRepository struct {
	db         *sql.DB
	outboxRepo OutboxRepository
}

func NewPostgresRepository(db *sql.DB, outboxRepo OutboxRepository) *PostgresRepository {
	return &PostgresRepository{db: db, outboxRepo: outboxRepo}
}

func (r *PostgresRepository) CreateMessage(ctx context.Context, msg *domain.Message) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, client_temp_id, sender_id, receiver_id, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.ServerID, nullable(msg.ClientTempID), msg.SenderID, msg.ReceiverID, msg.Text, string(msg.Status), msg.Timestamp)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && msg.ClientTempID != "" {
			tx.Rollback()
			existing, err := r.byTempID(ctx, msg.SenderID, msg.ClientTempID)
			if err != nil {
				return false, err
			}
			*msg = *existing
			return false, nil
		}
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := r.saveEvent(ctx, tx, domain.EventTypeMessageCreated, msg); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit message: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) History(ctx context.Context, pair domain.Pair, limit int) ([]domain.Message, error) {
	// Newest first so LIMIT keeps the latest, reversed below.
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(client_temp_id, ''), sender_id, receiver_id, content, status, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC
		LIMIT $3
	`, pair.CustomerID, pair.AstrologerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *PostgresRepository) MarkDelivered(ctx context.Context, serverID string) (*domain.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = 'delivered'
		WHERE id = $1 AND status IN ('pending', 'sent')
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark delivered: %w", err)
	}
	msg, err := r.byID(ctx, tx, serverID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := r.saveEvent(ctx, tx, domain.EventTypeMessageDelivered, msg); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delivered: %w", err)
	}
	return msg, nil
}

func (r *PostgresRepository) MarkRead(ctx context.Context, serverID, readerID string) (*domain.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = 'read'
		WHERE id = $1 AND receiver_id = $2 AND status <> 'read'
	`, serverID, readerID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark read: %w", err)
	}
	msg, err := r.byID(ctx, tx, serverID)
	if err != nil {
		return nil, err
	}
	if msg.ReceiverID != readerID {
		return nil, ErrNotFound
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := r.saveEvent(ctx, tx, domain.EventTypeMessageRead, msg); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit read: %w", err)
	}
	return msg, nil
}

const selectMessage = `
	SELECT id, COALESCE(client_temp_id, ''), sender_id, receiver_id, content, status, created_at
	FROM messages`

func (r *PostgresRepository) byID(ctx context.Context, tx *sql.Tx, serverID string) (*domain.Message, error) {
	row := tx.QueryRowContext(ctx, selectMessage+` WHERE id = $1`, serverID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (r *PostgresRepository) byTempID(ctx context.Context, senderID, clientTempID string) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, selectMessage+` WHERE sender_id = $1 AND client_temp_id = $2`, senderID, clientTempID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(s scanner) (*domain.Message, error) {
	var m domain.Message
	var status string
	if err := s.Scan(&m.ServerID, &m.ClientTempID, &m.SenderID, &m.ReceiverID, &m.Text, &status, &m.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Status = domain.Status(status)
	return &m, nil
}

func (r *PostgresRepository) saveEvent(ctx context.Context, tx *sql.Tx, eventType string, msg *domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}
	event := &domain.OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := r.outboxRepo.Save(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
