package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"astro_chat/internal/domain"
	"astro_chat/internal/history"
	"astro_chat/internal/repository"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	HistoryLimit int
	// Per-connection send_message rate.
	MessageRate  rate.Limit
	MessageBurst int
}

// Server exposes the hub over HTTP: /ws, /history and /healthz.
type Server struct {
	ctx    context.Context
	hub    *Hub
	repo   repository.MessageRepository
	cfg    ServerConfig
	logger *slog.Logger

	upgrader websocket.Upgrader
}

func NewServer(ctx context.Context, hub *Hub, repo repository.MessageRepository, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 5
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ctx:    ctx,
		hub:    hub,
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/history", enableCORS(s.serveHistory))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	id := domain.Identity{
		UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
		Role:   domain.Role(r.URL.Query().Get("role")),
	}
	if id.UserID == "" || !id.Role.Valid() {
		http.Error(w, "Missing user_id or role", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade WS", "error", err)
		return
	}

	client := newClient(s.hub, conn, id, s.cfg.MessageRate, s.cfg.MessageBurst)
	select {
	case s.hub.Register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}
	<-client.ready

	go client.WritePump()
	go client.ReadPump(s.ctx)
}

func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pair := domain.Pair{
		CustomerID:   r.URL.Query().Get("customer_id"),
		AstrologerID: r.URL.Query().Get("astrologer_id"),
	}
	if pair.CustomerID == "" || pair.AstrologerID == "" {
		http.Error(w, "Missing customer_id or astrologer_id", http.StatusBadRequest)
		return
	}

	msgs, err := s.repo.History(r.Context(), pair, s.cfg.HistoryLimit)
	if err != nil {
		s.logger.Error("Failed to load history", "conversation", pair.Key(), "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	out := history.Response{Messages: make([]domain.InboundMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, domain.InboundMessage{
			ServerID:     m.ServerID,
			ClientTempID: m.ClientTempID,
			Text:         m.Text,
			SenderID:     m.SenderID,
			ReceiverID:   m.ReceiverID,
			Timestamp:    m.Timestamp,
			Status:       m.Status,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}
