package main

import (
	"context"
	"errors"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"voicelink/internal/bootstrap"
	"voicelink/internal/config"
	"voicelink/internal/domain"
	"voicelink/internal/liveview"
	"voicelink/internal/logging"
	"voicelink/internal/usecase"
)

const (
	eventSession    = "voicelink:session"
	eventLocalAudio = "voicelink:local-audio"
	eventTranscript = "voicelink:transcript"
	eventChannel    = "voicelink:channel"
	eventLiveView   = "voicelink:liveview"
	eventError      = "voicelink:error"
)

var errNotInitialized = errors.New("application is not initialized")

// App is the Wails application root.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc
	emit   func(ctx context.Context, name string, data ...interface{})

	controller *usecase.SessionController
	liveView   *liveview.Poller
	logger     *logging.Logger
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, &wailsClipboard{})
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	a.liveView = services.LiveView
	a.logger = services.Logger

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.controller.Start(runCtx)
	go a.liveView.Run(runCtx)
	a.SessionStateChanged(domain.SessionStateIdle)
}

func (a *App) shutdown(_ context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	if a.controller != nil {
		a.controller.Shutdown()
	}
	if a.logger != nil {
		a.logger.Info("voicelink shutting down")
		_ = a.logger.Close()
	}
}

// Connect starts a voice session with the selected devices.
func (a *App) Connect() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Connect(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// Disconnect ends the voice session and keeps the transcript.
func (a *App) Disconnect() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	a.controller.Disconnect()
	return a.controller.Status(), nil
}

// ToggleMute flips the microphone and returns the new muted state.
func (a *App) ToggleMute() (bool, error) {
	if err := a.requireReady(); err != nil {
		return false, err
	}
	return a.controller.ToggleMute(), nil
}

func (a *App) SetInputDevice(deviceID string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.SetInputDevice(a.ctx, deviceID)
}

func (a *App) SetOutputDevice(deviceID string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.SetOutputDevice(a.ctx, deviceID)
}

func (a *App) ListDevices() ([]domain.Device, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	return a.controller.ListDevices(a.ctx)
}

func (a *App) NewConversation() (domain.Transcript, error) {
	if err := a.requireReady(); err != nil {
		return domain.Transcript{}, err
	}
	return a.controller.NewConversation()
}

func (a *App) LoadConversation(id string) (domain.Transcript, error) {
	if err := a.requireReady(); err != nil {
		return domain.Transcript{}, err
	}
	return a.controller.LoadConversation(a.ctx, id)
}

func (a *App) ListConversations() ([]domain.SessionSummary, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	return a.controller.ListConversations(a.ctx)
}

// ExportTranscript formats the transcript and copies it to the clipboard.
func (a *App) ExportTranscript() (domain.ExportResult, error) {
	if err := a.requireReady(); err != nil {
		return domain.ExportResult{}, err
	}
	return a.controller.ExportTranscript(a.ctx)
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		if a.bootErr != nil {
			return domain.Status{State: domain.SessionStateFailed, Channel: domain.ChannelStateClosed, Message: a.bootErr.Error()}
		}
		return domain.Status{State: domain.SessionStateIdle, Channel: domain.ChannelStateClosed}
	}
	status := a.controller.Status()
	status.Message = sessionStateMessage(status.State)
	return status
}

func (a *App) GetTranscript() domain.Transcript {
	if a.controller == nil {
		return domain.Transcript{Messages: []domain.TranscriptMessage{}}
	}
	return a.controller.Transcript()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"apiBaseUrl":        a.cfg.API.BaseURL,
		"offerUrl":          a.cfg.API.OfferURL,
		"transcriptUrl":     a.cfg.API.TranscriptURL,
		"sessionsUrl":       a.cfg.API.SessionsURL,
		"liveViewUrl":       a.cfg.LiveView.URL,
		"formatRulesFile":   a.cfg.Format.RulesFile,
		"audioInput":        a.cfg.Audio.InputDevice,
		"audioOutput":       a.cfg.Audio.OutputDevice,
		"audioInputFormat":  a.cfg.Audio.InputFormat,
		"audioOutputFormat": a.cfg.Audio.OutputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return errNotInitialized
	}
	return nil
}

func (a *App) send(name string, data any) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, data)
}

// SessionStateChanged emits session lifecycle updates to the frontend.
func (a *App) SessionStateChanged(state domain.SessionState) {
	a.send(eventSession, map[string]string{
		"state":   string(state),
		"message": sessionStateMessage(state),
	})
}

// LocalAudioAvailable tells the frontend a microphone track is live.
func (a *App) LocalAudioAvailable(trackID string) {
	a.send(eventLocalAudio, map[string]string{"trackId": trackID})
}

// TranscriptUpdated emits the full conversation buffer.
func (a *App) TranscriptUpdated(transcript domain.Transcript) {
	if transcript.Messages == nil {
		transcript.Messages = []domain.TranscriptMessage{}
	}
	a.send(eventTranscript, transcript)
}

func (a *App) ChannelStateChanged(state domain.ChannelState) {
	a.send(eventChannel, map[string]string{"state": string(state)})
}

// LiveViewChanged emits the browser live-view URL; empty hides the view.
func (a *App) LiveViewChanged(url string) {
	a.send(eventLiveView, map[string]string{"url": url})
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.logger != nil {
		a.logger.Debug("session error emitted", zap.String("code", string(code)), zap.String("detail", detail))
	}
	a.send(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func sessionStateMessage(state domain.SessionState) string {
	switch state {
	case domain.SessionStateIdle:
		return "Ready to connect"
	case domain.SessionStateConnecting:
		return "Connecting..."
	case domain.SessionStateConnected:
		return "Connected"
	case domain.SessionStateDisconnected:
		return "Connection lost"
	case domain.SessionStateFailed:
		return "Connection failed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeMediaAccess:
		return "Microphone unavailable"
	case domain.ErrorCodeNegotiation:
		return "Connection negotiation failed"
	case domain.ErrorCodeSignaling:
		return "Agent did not accept the connection"
	case domain.ErrorCodeConnection:
		return "Connection error"
	case domain.ErrorCodeDeviceSwitch:
		return "Could not switch audio device"
	case domain.ErrorCodeChannel:
		return "Live transcript unavailable"
	case domain.ErrorCodeHistory:
		return "Conversation history unavailable"
	case domain.ErrorCodeClipboard:
		return "Clipboard write failed"
	case domain.ErrorCodeExport:
		return "Transcript export failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

type wailsClipboard struct{}

func (c *wailsClipboard) SetText(ctx context.Context, text string) error {
	return runtime.ClipboardSetText(ctx, text)
}
