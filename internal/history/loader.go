package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"astro_chat/internal/domain"

	"github.com/google/uuid"
)

// Fetcher returns the stored transcript of one conversation in server order.
type Fetcher interface {
	Fetch(ctx context.Context, pair domain.Pair) ([]domain.InboundMessage, error)
}

// Response is the body of the history endpoint.
type Response struct {
	Messages []domain.InboundMessage `json:"messages"`
}

// Client calls GET <baseURL>/history?customer_id=..&astrologer_id=..
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) Fetch(ctx context.Context, pair domain.Pair) ([]domain.InboundMessage, error) {
	q := url.Values{}
	q.Set("customer_id", pair.CustomerID)
	q.Set("astrologer_id", pair.AstrologerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return out.Messages, nil
}

// Seeder receives normalised history.
type Seeder interface {
	Seed(history []domain.Message) int
}

type Loader struct {
	fetcher Fetcher
	logger  *slog.Logger
	newID   func() string
}

func NewLoader(fetcher Fetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{fetcher: fetcher, logger: logger, newID: uuid.NewString}
}

// Load fetches once and seeds dst. A failed fetch is logged and leaves dst
// untouched. accept is consulted right before seeding so a torn-down
// session can discard a late response; nil accepts always.
func (l *Loader) Load(ctx context.Context, pair domain.Pair, dst Seeder, accept func() bool) (int, error) {
	rows, err := l.fetcher.Fetch(ctx, pair)
	if err != nil {
		l.logger.Warn("Failed to load chat history",
			"customer_id", pair.CustomerID, "astrologer_id", pair.AstrologerID, "error", err)
		return 0, err
	}

	msgs := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, l.normalize(row))
	}

	if accept != nil && !accept() {
		l.logger.Debug("Discarding history for closed session", "count", len(msgs))
		return 0, nil
	}
	n := dst.Seed(msgs)
	l.logger.Info("Chat history loaded",
		"customer_id", pair.CustomerID, "astrologer_id", pair.AstrologerID, "count", n)
	return n, nil
}

func (l *Loader) normalize(in domain.InboundMessage) domain.Message {
	msg := domain.Message{
		ServerID:   in.ServerID,
		Text:       in.Text,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Timestamp:  in.Timestamp,
		Status:     in.Status,
	}
	if msg.ServerID == "" {
		msg.ClientTempID = l.newID()
		l.logger.Debug("History row without server id", "assigned", msg.ClientTempID)
	}
	if msg.Status.Rank() == 0 {
		msg.Status = domain.StatusSent
	}
	return msg
}
