package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/ports"
)

const maxErrorBody = 4096

// HTTPSignaler posts an SDP offer and reads the SDP answer from the response.
type HTTPSignaler struct {
	client *http.Client
	logger *zap.Logger
}

func NewHTTPSignaler(timeout time.Duration, logger *zap.Logger) *HTTPSignaler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSignaler{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *HTTPSignaler) Exchange(ctx context.Context, endpoint string, offer ports.SessionDescription) (ports.SessionDescription, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return ports.SessionDescription{}, &domain.SignalingError{Err: fmt.Errorf("encode offer: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ports.SessionDescription{}, &domain.SignalingError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return ports.SessionDescription{}, &domain.SignalingError{Err: err}
	}
	defer resp.Body.Close()

	s.logger.Debug("offer delivered",
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ports.SessionDescription{}, &domain.SignalingError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(raw)),
		}
	}

	var answer ports.SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return ports.SessionDescription{}, &domain.SignalingError{Status: resp.StatusCode, Err: fmt.Errorf("decode answer: %w", err)}
	}
	if answer.SDP == "" {
		return ports.SessionDescription{}, &domain.SignalingError{Status: resp.StatusCode, Err: fmt.Errorf("answer has no sdp")}
	}
	switch answer.Type {
	case "":
		answer.Type = "answer"
	case "answer":
	default:
		return ports.SessionDescription{}, &domain.SignalingError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected description type %q", answer.Type)}
	}
	return answer, nil
}
