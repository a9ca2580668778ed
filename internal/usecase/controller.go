package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/peer"
	"voicelink/internal/ports"
	"voicelink/internal/transcript"
)

const defaultHistoryLimit = 50

// PeerSession is the real-time audio session driven by the controller.
type PeerSession interface {
	Subscribe(l peer.Listener) (unsubscribe func())
	State() domain.SessionState
	Muted() bool
	Connect(ctx context.Context, endpoint string, opts peer.ConnectOptions) error
	UpdateInputDevice(ctx context.Context, deviceID string) error
	UpdateOutputDevice(ctx context.Context, deviceID string) error
	ToggleMute() bool
	Disconnect()
}

// TranscriptChannel is the transcript stream and its conversation buffer.
type TranscriptChannel interface {
	Subscribe(l transcript.Listener) (unsubscribe func())
	Open(ctx context.Context, url string)
	Close()
	State() domain.ChannelState
	Snapshot() domain.Transcript
	NewConversation() domain.Transcript
	EnsureConversation() domain.Transcript
	LoadConversation(id string, messages []domain.TranscriptMessage) domain.Transcript
}

// Config controls endpoints and default devices.
type Config struct {
	OfferURL      string
	TranscriptURL string
	InputDevice   string
	OutputDevice  string
	HistoryLimit  int
}

// SessionController orchestrates the voice session, the transcript stream and
// conversation history, reporting everything through an EventSink.
type SessionController struct {
	peer     PeerSession
	channel  TranscriptChannel
	store    ports.SessionStore
	devices  ports.DeviceEnumerator
	events   ports.EventSink
	exporter transcriptExporter
	cfg      Config
	logger   *zap.Logger

	mu          sync.Mutex
	inputID     string
	outputID    string
	started     bool
	unsubscribe []func()
}

func NewSessionController(
	session PeerSession,
	channel TranscriptChannel,
	store ports.SessionStore,
	devices ports.DeviceEnumerator,
	formatter ports.TranscriptFormatter,
	clipboard ports.Clipboard,
	events ports.EventSink,
	cfg Config,
	logger *zap.Logger,
) *SessionController {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionController{
		peer:     session,
		channel:  channel,
		store:    store,
		devices:  devices,
		events:   events,
		exporter: newTranscriptExporter(formatter, clipboard, events),
		cfg:      cfg,
		logger:   logger,
		inputID:  cfg.InputDevice,
		outputID: cfg.OutputDevice,
	}
}

// Start subscribes to session and channel notifications and opens the
// transcript stream. The stream stays up across voice sessions.
func (c *SessionController) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	bridge := eventBridge{controller: c}
	c.unsubscribe = []func(){
		c.peer.Subscribe(bridge),
		c.channel.Subscribe(bridge),
	}
	c.mu.Unlock()

	c.channel.Open(ctx, c.cfg.TranscriptURL)
}

// Shutdown ends the voice session and the transcript stream.
func (c *SessionController) Shutdown() {
	c.peer.Disconnect()
	c.channel.Close()

	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.started = false
	c.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

// Connect starts a voice session with the remembered devices. The active
// conversation is kept; when there is none a new one is started.
func (c *SessionController) Connect(ctx context.Context) error {
	conversation := c.channel.EnsureConversation()
	switch c.channel.State() {
	case domain.ChannelStateClosed, domain.ChannelStateExhausted:
		c.channel.Open(ctx, c.cfg.TranscriptURL)
	}

	c.mu.Lock()
	opts := peer.ConnectOptions{AudioInputID: c.inputID, AudioOutputID: c.outputID}
	c.mu.Unlock()

	c.logger.Info("connecting",
		zap.String("conversation_id", conversation.ConversationID),
		zap.String("input", opts.AudioInputID),
		zap.String("output", opts.AudioOutputID),
	)
	if err := c.peer.Connect(ctx, c.cfg.OfferURL, opts); err != nil {
		if errors.Is(err, domain.ErrSuperseded) || errors.Is(err, domain.ErrDisconnected) {
			c.logger.Debug("connect abandoned", zap.Error(err))
			return err
		}
		c.logger.Error("connect failed", zap.Error(err))
		c.events.SessionError(errorCode(err), err.Error())
		return err
	}
	return nil
}

// Disconnect ends the voice session. The transcript is kept so the
// conversation can continue on the next Connect.
func (c *SessionController) Disconnect() {
	c.peer.Disconnect()
}

func (c *SessionController) ToggleMute() bool {
	muted := c.peer.ToggleMute()
	c.logger.Info("mute toggled", zap.Bool("muted", muted))
	return muted
}

// SetInputDevice remembers deviceID and switches the live session to it.
// Switch failures are reported and leave the current device in place.
func (c *SessionController) SetInputDevice(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	c.inputID = strings.TrimSpace(deviceID)
	c.mu.Unlock()

	if err := c.peer.UpdateInputDevice(ctx, deviceID); err != nil {
		c.logger.Warn("input device switch failed", zap.String("device", deviceID), zap.Error(err))
		c.events.SessionError(domain.ErrorCodeDeviceSwitch, err.Error())
		return err
	}
	return nil
}

// SetOutputDevice remembers deviceID and routes remote audio to it.
func (c *SessionController) SetOutputDevice(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	c.outputID = strings.TrimSpace(deviceID)
	c.mu.Unlock()

	if err := c.peer.UpdateOutputDevice(ctx, deviceID); err != nil {
		c.logger.Warn("output device switch failed", zap.String("device", deviceID), zap.Error(err))
		c.events.SessionError(domain.ErrorCodeDeviceSwitch, err.Error())
		return err
	}
	return nil
}

// ListDevices returns the selectable audio endpoints.
func (c *SessionController) ListDevices(ctx context.Context) ([]domain.Device, error) {
	devices, err := c.devices.EnumerateDevices(ctx)
	if err != nil {
		c.events.SessionError(domain.ErrorCodeMediaAccess, err.Error())
		return nil, err
	}
	return devices, nil
}

// NewConversation clears the transcript and starts a fresh conversation.
func (c *SessionController) NewConversation() (domain.Transcript, error) {
	if c.locked() {
		return domain.Transcript{}, domain.ErrConversationLocked
	}
	conversation := c.channel.NewConversation()
	c.logger.Info("conversation created", zap.String("conversation_id", conversation.ConversationID))
	return conversation, nil
}

// LoadConversation replaces the transcript with a persisted conversation.
func (c *SessionController) LoadConversation(ctx context.Context, id string) (domain.Transcript, error) {
	if c.locked() {
		return domain.Transcript{}, domain.ErrConversationLocked
	}
	record, err := c.store.Get(ctx, id)
	if err != nil {
		c.events.SessionError(domain.ErrorCodeHistory, err.Error())
		return domain.Transcript{}, err
	}
	conversation := c.channel.LoadConversation(record.ID, record.Messages)
	c.logger.Info("conversation loaded",
		zap.String("conversation_id", record.ID),
		zap.Int("messages", len(record.Messages)),
	)
	return conversation, nil
}

// ListConversations returns the most recent persisted conversations.
func (c *SessionController) ListConversations(ctx context.Context) ([]domain.SessionSummary, error) {
	sessions, err := c.store.List(ctx, c.cfg.HistoryLimit)
	if err != nil {
		c.events.SessionError(domain.ErrorCodeHistory, err.Error())
		return nil, err
	}
	return sessions, nil
}

// ExportTranscript formats the transcript and copies it to the clipboard.
func (c *SessionController) ExportTranscript(ctx context.Context) (domain.ExportResult, error) {
	return c.exporter.Export(ctx, c.channel.Snapshot().Messages)
}

// Transcript returns the buffered conversation.
func (c *SessionController) Transcript() domain.Transcript {
	return c.channel.Snapshot()
}

// Status returns the current backend status.
func (c *SessionController) Status() domain.Status {
	state := c.peer.State()
	return domain.Status{
		State:          state,
		Active:         isActive(state),
		Muted:          c.peer.Muted(),
		Channel:        c.channel.State(),
		ConversationID: c.channel.Snapshot().ConversationID,
	}
}

func (c *SessionController) locked() bool {
	return isActive(c.peer.State())
}

func isActive(state domain.SessionState) bool {
	return state == domain.SessionStateConnecting || state == domain.SessionStateConnected
}

func errorCode(err error) domain.ErrorCode {
	var (
		mediaErr     *domain.MediaAccessError
		stateErr     *domain.NegotiationStateError
		signalErr    *domain.SignalingError
		switchErr    *domain.DeviceSwitchError
		exhaustedErr *domain.ChannelReconnectExhaustedError
	)
	switch {
	case errors.As(err, &mediaErr):
		return domain.ErrorCodeMediaAccess
	case errors.As(err, &stateErr):
		return domain.ErrorCodeNegotiation
	case errors.As(err, &signalErr):
		return domain.ErrorCodeSignaling
	case errors.As(err, &switchErr):
		return domain.ErrorCodeDeviceSwitch
	case errors.As(err, &exhaustedErr):
		return domain.ErrorCodeChannel
	default:
		return domain.ErrorCodeConnection
	}
}

// eventBridge forwards session and channel notifications to the EventSink.
type eventBridge struct {
	controller *SessionController
}

func (b eventBridge) SessionStateChanged(state domain.SessionState) {
	c := b.controller
	c.logger.Info("session state", zap.String("state", string(state)))
	c.events.SessionStateChanged(state)
	if state == domain.SessionStateFailed {
		c.events.SessionError(domain.ErrorCodeConnection, "connection to the agent failed")
	}
}

func (b eventBridge) LocalAudioAvailable(trackID string) {
	b.controller.events.LocalAudioAvailable(trackID)
}

func (b eventBridge) TranscriptUpdated(t domain.Transcript) {
	b.controller.events.TranscriptUpdated(t)
}

func (b eventBridge) ChannelStateChanged(state domain.ChannelState) {
	b.controller.events.ChannelStateChanged(state)
}

func (b eventBridge) ChannelExhausted(err error) {
	b.controller.events.SessionError(errorCode(err), err.Error())
}
