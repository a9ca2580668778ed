package liveview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/observer"
)

// Listener is told when the published live-view URL changes. An empty URL
// means no live view is available.
type Listener interface {
	LiveViewChanged(url string)
}

type Config struct {
	URL      string
	Interval time.Duration
}

// Poller fetches the live-view endpoint on an interval.
type Poller struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	listeners observer.Registry[Listener]

	mu      sync.Mutex
	current string
}

func NewPoller(cfg Config, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Interval},
		logger: logger,
	}
}

func (p *Poller) Subscribe(l Listener) (unsubscribe func()) {
	return p.listeners.Register(l)
}

// Current returns the last published URL.
func (p *Poller) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Enabled reports whether a live-view endpoint is configured.
func (p *Poller) Enabled() bool {
	return p.cfg.URL != ""
}

// Run polls until ctx ends. It returns immediately when no endpoint is configured.
func (p *Poller) Run(ctx context.Context) {
	if !p.Enabled() {
		return
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	url, err := p.fetch(ctx)
	if err != nil {
		p.logger.Debug("live view poll failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	changed := p.current != url
	p.current = url
	p.mu.Unlock()

	if changed {
		p.logger.Info("live view changed", zap.String("url", url))
		p.listeners.Each(func(l Listener) { l.LiveViewChanged(url) })
	}
}

func (p *Poller) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var body struct {
		LiveURL any `json:"live_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	url, ok := body.LiveURL.(string)
	if !ok {
		return "", fmt.Errorf("response has no string live_url")
	}
	return url, nil
}
