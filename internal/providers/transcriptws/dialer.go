package transcriptws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicelink/internal/ports"
)

// Config controls the transcript websocket dialer.
type Config struct {
	AccessToken      string
	HandshakeTimeout time.Duration
}

// Dialer implements ports.ChannelDialer over gorilla websockets.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, rawURL string) (ports.ChannelConn, error) {
	wsURL, err := WebsocketURL(rawURL)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if token := strings.TrimSpace(d.cfg.AccessToken); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to transcript websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to transcript websocket: %w", err)
	}
	return &channelConn{conn: conn}, nil
}

type channelConn struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

// ReadMessage returns the next text or binary frame. Closes surface as
// *ports.ChannelClosedError carrying the close code.
func (c *channelConn) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, closeError(err)
	}
	return payload, nil
}

func (c *channelConn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func closeError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &ports.ChannelClosedError{Code: closeErr.Code, Text: closeErr.Text}
	}
	return &ports.ChannelClosedError{Code: ports.CloseAbnormalClosure, Text: err.Error()}
}

// WebsocketURL maps http(s) URLs onto ws(s); ws(s) URLs pass through.
func WebsocketURL(raw string) (string, error) {
	base := strings.TrimSpace(raw)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid transcript websocket URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid transcript websocket URL %q: scheme must be ws or wss", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid transcript websocket URL %q: missing host", raw)
	}
	return parsed.String(), nil
}
