package presence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Repository tracks which users hold a live relay connection on any node.
type Repository interface {
	AddSession(ctx context.Context, userID, connID, nodeID string) error
	RemoveSession(ctx context.Context, userID, connID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// PostgresRepository keeps one active_sessions row per relay connection, so
// every node sharing the database sees the same presence. Rows are keyed by
// (user_id, conn_id); a user is online while any row remains. The table is
// created by repository.Migrate.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) AddSession(ctx context.Context, userID, connID, nodeID string) error {
	query := `
		INSERT INTO active_sessions (user_id, conn_id, node_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, conn_id) DO UPDATE
		SET node_id = $3, connected_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, userID, connID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveSession(ctx context.Context, userID, connID string) error {
	query := `
		DELETE FROM active_sessions
		WHERE user_id = $1 AND conn_id = $2
	`
	_, err := r.db.ExecContext(ctx, query, userID, connID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM active_sessions WHERE user_id = $1)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return exists, nil
}

// MemoryRepository serves a single relay node.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]map[string]string)}
}

func (r *MemoryRepository) AddSession(ctx context.Context, userID, connID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; !ok {
		r.sessions[userID] = make(map[string]string)
	}
	r.sessions[userID][connID] = nodeID
	return nil
}

func (r *MemoryRepository) RemoveSession(ctx context.Context, userID, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns, ok := r.sessions[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.sessions, userID)
		}
	}
	return nil
}

func (r *MemoryRepository) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[userID]) > 0, nil
}
