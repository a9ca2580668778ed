package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/domain"
)

const maxErrorBody = 4096

// Config controls the sessions API client.
type Config struct {
	SessionsURL string
	AccessToken string
	Timeout     time.Duration
}

// Client reads persisted conversations from the sessions API.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.SessionsURL = strings.TrimRight(strings.TrimSpace(cfg.SessionsURL), "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type sessionPayload struct {
	SessionID string           `json:"session_id"`
	StartedAt string           `json:"started_at"`
	EndedAt   string           `json:"ended_at"`
	Messages  []messagePayload `json:"messages"`
}

type messagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type listResponse struct {
	Success  bool             `json:"success"`
	Sessions []sessionPayload `json:"sessions"`
}

type getResponse struct {
	Success bool            `json:"success"`
	Session *sessionPayload `json:"session"`
}

// List returns up to limit persisted conversations, newest first as served.
func (c *Client) List(ctx context.Context, limit int) ([]domain.SessionSummary, error) {
	endpoint := c.cfg.SessionsURL
	if limit > 0 {
		endpoint += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var body listResponse
	if err := c.getJSON(ctx, endpoint, &body); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if !body.Success {
		return []domain.SessionSummary{}, nil
	}

	summaries := make([]domain.SessionSummary, 0, len(body.Sessions))
	for _, session := range body.Sessions {
		summaries = append(summaries, domain.SessionSummary{
			ID:           session.SessionID,
			StartedAt:    session.StartedAt,
			EndedAt:      session.EndedAt,
			MessageCount: len(session.Messages),
		})
	}
	c.logger.Debug("sessions listed", zap.Int("count", len(summaries)))
	return summaries, nil
}

// Get returns one persisted conversation with its messages.
func (c *Client) Get(ctx context.Context, id string) (domain.SessionRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SessionRecord{}, fmt.Errorf("get session: id is required")
	}

	var body getResponse
	if err := c.getJSON(ctx, c.cfg.SessionsURL+"/"+url.PathEscape(id), &body); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("get session %q: %w", id, err)
	}
	if !body.Success || body.Session == nil {
		return domain.SessionRecord{}, fmt.Errorf("get session %q: not found", id)
	}

	record := domain.SessionRecord{
		ID:        body.Session.SessionID,
		StartedAt: body.Session.StartedAt,
		EndedAt:   body.Session.EndedAt,
		Messages:  make([]domain.TranscriptMessage, 0, len(body.Session.Messages)),
	}
	if record.ID == "" {
		record.ID = id
	}
	for _, msg := range body.Session.Messages {
		record.Messages = append(record.Messages, domain.TranscriptMessage{
			Role:    domain.Role(msg.Role),
			Content: msg.Content,
		})
	}
	return record, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	if c.cfg.SessionsURL == "" {
		return fmt.Errorf("sessions URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(c.cfg.AccessToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if msg := strings.TrimSpace(string(raw)); msg != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
