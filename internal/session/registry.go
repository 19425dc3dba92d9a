package session

import (
	"context"
	"sync"

	"astro_chat/internal/connection"
	"astro_chat/internal/history"
)

// Registry keeps one Session per conversation pair over a shared connection.
type Registry struct {
	mgr     *connection.Manager
	fetcher history.Fetcher

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(mgr *connection.Manager, fetcher history.Fetcher) *Registry {
	return &Registry{
		mgr:      mgr,
		fetcher:  fetcher,
		sessions: make(map[string]*Session),
	}
}

// Open returns the live session for cfg.Pair or mounts a new one.
func (r *Registry) Open(ctx context.Context, cfg Config) (*Session, error) {
	key := cfg.Pair.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok && s.live() {
		return s, nil
	}

	s, err := Open(ctx, r.mgr, r.fetcher, cfg)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	return s, nil
}

func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok || !s.live() {
		return nil, false
	}
	return s, true
}

// Close unmounts the session for key.
func (r *Registry) Close(key string) {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll unmounts every session. The connection manager is left to its owner.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
