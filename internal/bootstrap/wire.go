package bootstrap

import (
	"go.uber.org/zap"

	"voicelink/internal/audio"
	"voicelink/internal/config"
	"voicelink/internal/format"
	"voicelink/internal/history"
	"voicelink/internal/liveview"
	"voicelink/internal/logging"
	"voicelink/internal/peer"
	"voicelink/internal/ports"
	"voicelink/internal/providers/transcriptws"
	"voicelink/internal/rtc"
	"voicelink/internal/signaling"
	"voicelink/internal/transcript"
	"voicelink/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.SessionController
	LiveView   *liveview.Poller
	Logger     *logging.Logger
	Config     config.Config
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink, clipboard ports.Clipboard) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return Services{}, err
	}

	services, err := build(cfg, logger.Logger, eventSink, clipboard)
	if err != nil {
		_ = logger.Close()
		return Services{}, err
	}
	services.Logger = logger
	logger.Info("voicelink ready",
		zap.String("offer_url", cfg.API.OfferURL),
		zap.String("transcript_url", cfg.API.TranscriptURL),
		zap.String("sessions_url", cfg.API.SessionsURL),
		zap.Bool("live_view", services.LiveView.Enabled()),
	)
	return services, nil
}

func build(cfg config.Config, logger *zap.Logger, eventSink ports.EventSink, clipboard ports.Clipboard) (Services, error) {
	formatter, err := format.New(format.Options{
		RulesFile:      cfg.Format.RulesFile,
		IterationLimit: cfg.Format.IterationLimit,
	}, logger.Named("format"))
	if err != nil {
		return Services{}, err
	}

	capture := audio.NewFFMPEGCapture(cfg.Audio.FFMPEGCommand)
	session := peer.NewSession(
		rtc.NewMediaDevices(capture, cfg.Audio.InputFormat, cfg.Audio.InputDevice, logger.Named("media")),
		rtc.NewPeerFactory(logger.Named("rtc")),
		signaling.NewHTTPSignaler(cfg.API.SignalingTimeout, logger.Named("signaling")),
		audio.NewFFMPEGPlayback(cfg.Audio.FFMPEGCommand, cfg.Audio.OutputFormat, logger.Named("playback")),
		peer.Config{ICEServers: cfg.Peer.ICEServers},
		logger.Named("peer"),
	)

	channel := transcript.NewChannel(
		transcriptws.NewDialer(transcriptws.Config{AccessToken: cfg.API.AccessToken}),
		transcript.Config{
			BaseDelay:   cfg.Transcript.ReconnectBase,
			MaxDelay:    cfg.Transcript.ReconnectMax,
			MaxAttempts: cfg.Transcript.MaxAttempts,
		},
		logger.Named("transcript"),
	)

	store := history.NewClient(history.Config{
		SessionsURL: cfg.API.SessionsURL,
		AccessToken: cfg.API.AccessToken,
	}, logger.Named("history"))

	controller := usecase.NewSessionController(
		session,
		channel,
		store,
		audio.NewPulseDevices(cfg.Audio.PactlCommand),
		formatter,
		clipboard,
		eventSink,
		usecase.Config{
			OfferURL:      cfg.API.OfferURL,
			TranscriptURL: cfg.API.TranscriptURL,
			InputDevice:   cfg.Audio.InputDevice,
			OutputDevice:  cfg.Audio.OutputDevice,
		},
		logger.Named("controller"),
	)

	poller := liveview.NewPoller(liveview.Config{
		URL:      cfg.LiveView.URL,
		Interval: cfg.LiveView.Interval,
	}, logger.Named("liveview"))
	poller.Subscribe(eventSink)

	return Services{Controller: controller, LiveView: poller, Config: cfg}, nil
}
