package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/observer"
	"voicelink/internal/ports"
)

// Listener receives transcript and channel notifications. Callbacks run
// synchronously and must not call Open or Close.
type Listener interface {
	TranscriptUpdated(transcript domain.Transcript)
	ChannelStateChanged(state domain.ChannelState)
	ChannelExhausted(err error)
}

// Config controls the reconnect policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay).
func (c Config) Delay(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 0; i < attempt && delay < c.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Channel keeps a transcript stream open and merges its frames into a Buffer.
type Channel struct {
	dialer ports.ChannelDialer
	cfg    Config
	clock  Clock
	logger *zap.Logger

	listeners observer.Registry[Listener]
	emitMu    sync.Mutex

	mu     sync.Mutex
	state  domain.ChannelState
	run    *channelRun
	buffer *Buffer
}

// channelRun is one Open..Close lifetime, spanning any number of reconnects.
type channelRun struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Channel.mu
	intentional bool
	conn        ports.ChannelConn
	timer       Timer
	attempts    int
}

type Option func(*Channel)

// WithClock replaces the timer source used for reconnects.
func WithClock(clock Clock) Option {
	return func(c *Channel) { c.clock = clock }
}

// WithIDGenerator replaces the conversation id generator.
func WithIDGenerator(newID func() string) Option {
	return func(c *Channel) { c.buffer = newBuffer(newID) }
}

func NewChannel(dialer ports.ChannelDialer, cfg Config, logger *zap.Logger, opts ...Option) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		dialer: dialer,
		cfg:    cfg.withDefaults(),
		clock:  realClock{},
		logger: logger,
		state:  domain.ChannelStateClosed,
		buffer: newBuffer(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers l for transcript and channel notifications.
func (c *Channel) Subscribe(l Listener) (unsubscribe func()) {
	return c.listeners.Register(l)
}

// Open starts streaming from url. The channel lives until Close, a normal
// server close, or reconnect exhaustion; ctx only supplies values.
func (c *Channel) Open(ctx context.Context, url string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &channelRun{url: url, ctx: runCtx, cancel: cancel}

	c.emitMu.Lock()
	c.mu.Lock()
	stale := c.run
	var staleConn ports.ChannelConn
	if stale != nil {
		staleConn = c.stopRunLocked(stale)
	}
	c.run = run
	changed := c.setStateLocked(domain.ChannelStateConnecting)
	c.mu.Unlock()
	if changed {
		c.emitState(domain.ChannelStateConnecting)
	}
	c.emitMu.Unlock()

	if staleConn != nil {
		_ = staleConn.Close()
	}
	c.logger.Info("transcript channel opening", zap.String("url", url))
	go c.connect(run)
}

// Close stops the channel and any pending reconnect. The buffer is kept.
func (c *Channel) Close() {
	c.emitMu.Lock()
	c.mu.Lock()
	run := c.run
	var conn ports.ChannelConn
	if run != nil {
		conn = c.stopRunLocked(run)
		c.run = nil
	}
	changed := c.setStateLocked(domain.ChannelStateClosed)
	c.mu.Unlock()
	if changed {
		c.emitState(domain.ChannelStateClosed)
	}
	c.emitMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if run != nil {
		c.logger.Info("transcript channel closed")
	}
}

// State returns the channel lifecycle state.
func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the buffered conversation.
func (c *Channel) Snapshot() domain.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.Snapshot()
}

// NewConversation clears the buffer and assigns a fresh conversation id.
func (c *Channel) NewConversation() domain.Transcript {
	return c.mutate(func(b *Buffer) bool {
		b.Reset(b.newID())
		return true
	})
}

// EnsureConversation assigns a conversation id if none is set, keeping messages.
func (c *Channel) EnsureConversation() domain.Transcript {
	return c.mutate(func(b *Buffer) bool {
		_, minted := b.Ensure()
		return minted
	})
}

// LoadConversation replaces the buffer with a persisted conversation.
func (c *Channel) LoadConversation(id string, messages []domain.TranscriptMessage) domain.Transcript {
	return c.mutate(func(b *Buffer) bool {
		b.Load(id, messages)
		return true
	})
}

func (c *Channel) mutate(fn func(b *Buffer) bool) domain.Transcript {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	changed := fn(c.buffer)
	snapshot := c.buffer.Snapshot()
	c.mu.Unlock()

	if changed {
		c.listeners.Each(func(l Listener) { l.TranscriptUpdated(snapshot) })
	}
	return snapshot
}

// stopRunLocked marks run intentional and cancels its timer. Callers hold c.mu
// and close the returned connection after unlocking.
func (c *Channel) stopRunLocked(run *channelRun) ports.ChannelConn {
	run.intentional = true
	if run.timer != nil {
		run.timer.Stop()
		run.timer = nil
	}
	run.cancel()
	conn := run.conn
	run.conn = nil
	return conn
}

func (c *Channel) connect(run *channelRun) {
	c.mu.Lock()
	if run.intentional || c.run != run {
		c.mu.Unlock()
		return
	}
	run.timer = nil
	c.mu.Unlock()

	conn, err := c.dialer.Dial(run.ctx, run.url)
	if err != nil {
		c.handleClose(run, &ports.ChannelClosedError{Code: ports.CloseAbnormalClosure, Text: err.Error()})
		return
	}

	c.emitMu.Lock()
	c.mu.Lock()
	if run.intentional || c.run != run {
		c.mu.Unlock()
		c.emitMu.Unlock()
		_ = conn.Close()
		return
	}
	run.conn = conn
	run.attempts = 0
	changed := c.setStateLocked(domain.ChannelStateOpen)
	c.mu.Unlock()
	if changed {
		c.emitState(domain.ChannelStateOpen)
	}
	c.emitMu.Unlock()

	c.logger.Info("transcript channel open", zap.String("url", run.url))
	c.readLoop(run, conn)
}

func (c *Channel) readLoop(run *channelRun, conn ports.ChannelConn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if run.conn == conn {
				run.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()
			c.handleClose(run, err)
			return
		}
		c.handleFrame(run, data)
	}
}

// handleClose applies the reconnect policy after an unintentional close.
func (c *Channel) handleClose(run *channelRun, err error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if run.intentional || c.run != run {
		c.mu.Unlock()
		return
	}

	var closed *ports.ChannelClosedError
	if errors.As(err, &closed) && closed.Code == ports.CloseNormalClosure {
		c.run = nil
		run.cancel()
		changed := c.setStateLocked(domain.ChannelStateClosed)
		c.mu.Unlock()
		c.logger.Info("transcript channel closed normally")
		if changed {
			c.emitState(domain.ChannelStateClosed)
		}
		return
	}

	if run.attempts >= c.cfg.MaxAttempts {
		c.run = nil
		run.cancel()
		attempts := run.attempts
		changed := c.setStateLocked(domain.ChannelStateExhausted)
		c.mu.Unlock()

		exhausted := &domain.ChannelReconnectExhaustedError{Attempts: attempts, LastErr: err}
		c.logger.Error("transcript channel gave up", zap.Int("attempts", attempts), zap.Error(err))
		if changed {
			c.emitState(domain.ChannelStateExhausted)
		}
		c.listeners.Each(func(l Listener) { l.ChannelExhausted(exhausted) })
		return
	}

	delay := c.cfg.Delay(run.attempts)
	run.attempts++
	attempt := run.attempts
	run.timer = c.clock.AfterFunc(delay, func() { c.connect(run) })
	changed := c.setStateLocked(domain.ChannelStateReconnecting)
	c.mu.Unlock()

	c.logger.Warn("transcript channel lost, reconnecting",
		zap.Error(err),
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.cfg.MaxAttempts),
	)
	if changed {
		c.emitState(domain.ChannelStateReconnecting)
	}
}

type frame struct {
	Type    string        `json:"type"`
	Message *frameMessage `json:"message"`
}

type frameMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func parseFrame(data []byte) (domain.TranscriptMessage, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.TranscriptMessage{}, false
	}
	if f.Type != "transcript" || f.Message == nil {
		return domain.TranscriptMessage{}, false
	}
	role := domain.Role(f.Message.Role)
	if !role.Valid() {
		return domain.TranscriptMessage{}, false
	}
	return domain.TranscriptMessage{Role: role, Content: f.Message.Content}, true
}

func (c *Channel) handleFrame(run *channelRun, data []byte) {
	msg, ok := parseFrame(data)
	if !ok {
		c.logger.Debug("ignoring non-transcript frame", zap.Int("bytes", len(data)))
		return
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if run.intentional || c.run != run {
		c.mu.Unlock()
		return
	}
	result := c.buffer.Append(msg)
	snapshot := c.buffer.Snapshot()
	c.mu.Unlock()

	if !result.added {
		c.logger.Debug("dropping duplicate transcript message", zap.String("role", string(msg.Role)))
		return
	}
	if result.minted {
		c.logger.Info("conversation started", zap.String("conversation_id", snapshot.ConversationID), zap.Int("messages", len(snapshot.Messages)))
	}
	c.listeners.Each(func(l Listener) { l.TranscriptUpdated(snapshot) })
}

func (c *Channel) setStateLocked(state domain.ChannelState) bool {
	if c.state == state {
		return false
	}
	c.state = state
	return true
}

func (c *Channel) emitState(state domain.ChannelState) {
	c.listeners.Each(func(l Listener) { l.ChannelStateChanged(state) })
}
