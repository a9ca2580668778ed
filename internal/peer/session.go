package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"voicelink/internal/domain"
	"voicelink/internal/observer"
	"voicelink/internal/ports"
)

const signalingStateHaveLocalOffer = "have-local-offer"

var errNoAudioTrack = errors.New("capture stream has no audio track")

// Listener receives session notifications. Callbacks run synchronously and must
// not call Connect, Disconnect or the device methods.
type Listener interface {
	SessionStateChanged(state domain.SessionState)
	LocalAudioAvailable(trackID string)
}

// ConnectOptions selects the devices for a new session. Empty IDs use the defaults.
type ConnectOptions struct {
	AudioInputID  string
	AudioOutputID string
}

type Config struct {
	ICEServers []string
}

// Session owns one real-time audio exchange with a remote agent.
type Session struct {
	media    ports.MediaDevices
	peers    ports.PeerConnectionFactory
	signaler ports.Signaler
	sinks    ports.AudioSinkFactory
	cfg      Config
	logger   *zap.Logger

	listeners observer.Registry[Listener]
	emitMu    sync.Mutex
	switchMu  sync.Mutex

	mu      sync.Mutex
	state   domain.SessionState
	current *attempt
}

// attempt holds everything acquired by one Connect call.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Session.mu
	outputID string
	closed   bool
	abortErr error
	stream   ports.LocalStream
	track    ports.LocalTrack
	pc       ports.PeerConnection
	sender   ports.RTPSender
	sink     ports.AudioSink

	sinkMu sync.Mutex
}

func NewSession(
	media ports.MediaDevices,
	peers ports.PeerConnectionFactory,
	signaler ports.Signaler,
	sinks ports.AudioSinkFactory,
	cfg Config,
	logger *zap.Logger,
) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		media:    media,
		peers:    peers,
		signaler: signaler,
		sinks:    sinks,
		cfg:      cfg,
		logger:   logger,
		state:    domain.SessionStateIdle,
	}
}

// Subscribe registers l for state and local audio notifications.
func (s *Session) Subscribe(l Listener) (unsubscribe func()) {
	return s.listeners.Register(l)
}

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Muted reports whether the active local track is disabled.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.track == nil {
		return false
	}
	return !s.current.track.Enabled()
}

// Connect negotiates a fresh peer connection with endpoint. A concurrent Connect
// replaces this one, which then returns domain.ErrSuperseded. On any failure the
// attempt is fully released before the error is returned.
func (s *Session) Connect(ctx context.Context, endpoint string, opts ConnectOptions) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	a := &attempt{ctx: attemptCtx, cancel: cancel, outputID: opts.AudioOutputID}

	s.mu.Lock()
	previous := s.current
	if previous != nil {
		s.detachLocked(previous, domain.ErrSuperseded)
	}
	s.current = a
	s.mu.Unlock()

	if previous != nil {
		s.logger.Debug("replacing in-flight session")
		s.release(previous)
	}
	s.transition(a, domain.SessionStateConnecting)

	if err := s.negotiate(a, endpoint, opts); err != nil {
		return s.fail(a, err)
	}
	s.logger.Info("session negotiated", zap.String("endpoint", endpoint))
	return nil
}

func (s *Session) negotiate(a *attempt, endpoint string, opts ConnectOptions) error {
	pc, err := s.attachLocalAudio(a, opts.AudioInputID)
	if err != nil {
		return err
	}

	offer, err := pc.CreateOffer(a.ctx)
	if err != nil {
		return s.abortOr(a, err)
	}
	local, err := pc.SetLocalDescription(a.ctx, offer)
	if err != nil {
		return s.abortOr(a, err)
	}

	answer, err := s.signaler.Exchange(a.ctx, endpoint, local)
	if err != nil {
		var sigErr *domain.SignalingError
		if !errors.As(err, &sigErr) {
			err = &domain.SignalingError{Err: err}
		}
		return s.abortOr(a, err)
	}
	if err := s.check(a); err != nil {
		return err
	}

	if state := pc.SignalingState(); state != signalingStateHaveLocalOffer {
		return &domain.NegotiationStateError{Expected: signalingStateHaveLocalOffer, Actual: state}
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return s.abortOr(a, err)
	}
	return s.check(a)
}

// attachLocalAudio captures deviceID and adds its tracks to a fresh peer
// connection. Input switches wait until the outgoing sender exists.
func (s *Session) attachLocalAudio(a *attempt, deviceID string) (ports.PeerConnection, error) {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	stream, err := s.media.GetUserMedia(a.ctx, ports.AudioConstraints{DeviceID: deviceID})
	if err != nil {
		return nil, asMediaAccessError(deviceID, err)
	}
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		_ = stream.Stop()
		return nil, asMediaAccessError(deviceID, errNoAudioTrack)
	}
	if err := s.hold(a, func() { a.stream, a.track = stream, tracks[0] }); err != nil {
		_ = stream.Stop()
		return nil, err
	}
	s.emitLocalAudio(a, tracks[0].ID())

	pc, err := s.peers.NewPeerConnection(ports.PeerConfig{ICEServers: s.cfg.ICEServers}, ports.PeerHandlers{
		ConnectionStateChanged: func(state string) { s.onConnectionState(a, state) },
		TrackReceived:          func(track ports.RemoteTrack) { s.onTrack(a, track) },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	if err := s.hold(a, func() { a.pc = pc }); err != nil {
		_ = pc.Close()
		return nil, err
	}

	for i, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			if err := s.hold(a, func() { a.sender = sender }); err != nil {
				return nil, err
			}
		}
	}
	return pc, nil
}

// UpdateInputDevice moves the outgoing audio to deviceID without renegotiating.
// It is a no-op when no local stream is active and waits for an in-flight
// Connect to attach its sender.
func (s *Session) UpdateInputDevice(ctx context.Context, deviceID string) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	a := s.current
	var previous ports.LocalStream
	var previousTrack ports.LocalTrack
	var sender ports.RTPSender
	if a != nil && !a.closed {
		previous, previousTrack, sender = a.stream, a.track, a.sender
	}
	s.mu.Unlock()

	if previous == nil || previousTrack == nil {
		return nil
	}
	if sender == nil {
		s.logger.Warn("input device switch skipped without an outgoing sender", zap.String("device", deviceID))
		return nil
	}

	next, err := s.media.GetUserMedia(ctx, ports.AudioConstraints{DeviceID: deviceID})
	if err != nil {
		return s.switchFailed(domain.DeviceKindAudioInput, deviceID, asMediaAccessError(deviceID, err))
	}
	tracks := next.AudioTracks()
	if len(tracks) == 0 {
		_ = next.Stop()
		return s.switchFailed(domain.DeviceKindAudioInput, deviceID, errNoAudioTrack)
	}
	track := tracks[0]
	track.SetEnabled(previousTrack.Enabled())

	if err := sender.ReplaceTrack(track); err != nil {
		_ = next.Stop()
		return s.switchFailed(domain.DeviceKindAudioInput, deviceID, err)
	}
	err = s.hold(a, func() {
		// carry over a mute toggled during ReplaceTrack
		track.SetEnabled(a.track.Enabled())
		a.stream, a.track = next, track
	})
	if err != nil {
		_ = next.Stop()
		return err
	}

	if err := previous.Stop(); err != nil {
		s.logger.Debug("previous capture stopped with error", zap.Error(err))
	}
	s.logger.Info("input device switched", zap.String("device", deviceID), zap.String("track", track.ID()))
	s.emitLocalAudio(a, track.ID())
	return nil
}

// UpdateOutputDevice re-routes remote playback. Failures leave playback on the
// previous device.
func (s *Session) UpdateOutputDevice(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	a := s.current
	s.mu.Unlock()
	if a == nil {
		return nil
	}

	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()

	s.mu.Lock()
	sink := a.sink
	if sink == nil {
		a.outputID = deviceID
	}
	s.mu.Unlock()
	if sink == nil {
		return nil
	}

	if err := sink.SetOutputDevice(ctx, deviceID); err != nil {
		return s.switchFailed(domain.DeviceKindAudioOutput, deviceID, err)
	}

	s.mu.Lock()
	a.outputID = deviceID
	s.mu.Unlock()
	s.logger.Info("output device switched", zap.String("device", deviceID))
	return nil
}

// ToggleMute flips the local track and returns the new muted state. Without a
// local stream it returns false.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.track == nil {
		return false
	}
	track := s.current.track
	track.SetEnabled(!track.Enabled())
	return !track.Enabled()
}

// Disconnect releases every resource and returns to idle. It is idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	a := s.current
	if a != nil {
		s.detachLocked(a, domain.ErrDisconnected)
	}
	s.mu.Unlock()

	if a != nil {
		s.release(a)
		s.logger.Info("session disconnected")
	}
	s.settle(domain.SessionStateIdle)
}

func (s *Session) fail(a *attempt, err error) error {
	s.mu.Lock()
	owned := s.current == a
	if owned {
		s.detachLocked(a, err)
	}
	abortErr := a.abortErr
	s.mu.Unlock()

	s.release(a)
	if !owned {
		return abortErr
	}

	s.logger.Warn("connect failed", zap.Error(err))
	s.settle(domain.SessionStateIdle)
	return err
}

// detachLocked removes a from the session. Callers hold s.mu.
func (s *Session) detachLocked(a *attempt, reason error) {
	if s.current == a {
		s.current = nil
	}
	if a.abortErr == nil {
		a.abortErr = reason
	}
}

// release stops local tracks, removes the remote sink and closes the peer connection.
func (s *Session) release(a *attempt) {
	s.mu.Lock()
	if a.closed {
		s.mu.Unlock()
		return
	}
	a.closed = true
	stream, sink, pc := a.stream, a.sink, a.pc
	a.stream, a.track, a.sender, a.sink, a.pc = nil, nil, nil, nil, nil
	s.mu.Unlock()

	a.cancel()
	if stream != nil {
		if err := stream.Stop(); err != nil {
			s.logger.Debug("local stream stopped with error", zap.Error(err))
		}
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			s.logger.Debug("remote sink closed with error", zap.Error(err))
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Debug("peer connection closed with error", zap.Error(err))
		}
	}
}

// hold runs fn under the session lock if a is still the live attempt.
func (s *Session) hold(a *attempt, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.closed || s.current != a {
		return abortReason(a)
	}
	fn()
	return nil
}

func (s *Session) check(a *attempt) error {
	return s.hold(a, func() {})
}

// abortOr prefers the abort reason over errors caused by the abort itself.
func (s *Session) abortOr(a *attempt, err error) error {
	if checkErr := s.check(a); checkErr != nil {
		return checkErr
	}
	return err
}

func abortReason(a *attempt) error {
	if a.abortErr != nil {
		return a.abortErr
	}
	return domain.ErrSuperseded
}

func (s *Session) onConnectionState(a *attempt, state string) {
	switch state {
	case "connected":
		s.transition(a, domain.SessionStateConnected)
	case "disconnected":
		s.transition(a, domain.SessionStateDisconnected)
	case "failed":
		s.logger.Warn("peer connection failed")
		s.transition(a, domain.SessionStateFailed)
	}
}

func (s *Session) onTrack(a *attempt, track ports.RemoteTrack) {
	if track.Kind() != "audio" {
		return
	}

	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()

	s.mu.Lock()
	live := s.current == a && !a.closed
	sink, outputID := a.sink, a.outputID
	s.mu.Unlock()
	if !live {
		return
	}

	if sink == nil {
		created, err := s.sinks.NewSink(a.ctx, outputID)
		if err != nil {
			s.logger.Warn("unable to create remote audio sink", zap.Error(err))
			return
		}
		if err := s.hold(a, func() { a.sink = created }); err != nil {
			_ = created.Close()
			return
		}
		sink = created
	}

	if err := sink.Attach(track); err != nil {
		s.logger.Warn("unable to play remote audio", zap.String("track", track.ID()), zap.Error(err))
		return
	}
	s.logger.Debug("remote audio attached", zap.String("track", track.ID()), zap.String("device", outputID))
}

func (s *Session) switchFailed(kind domain.DeviceKind, deviceID string, err error) error {
	s.logger.Warn("device switch failed", zap.String("kind", string(kind)), zap.String("device", deviceID), zap.Error(err))
	return &domain.DeviceSwitchError{Kind: kind, DeviceID: deviceID, Err: err}
}

// transition publishes state if a is still the live attempt.
func (s *Session) transition(a *attempt, state domain.SessionState) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.current != a || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.listeners.Each(func(l Listener) { l.SessionStateChanged(state) })
}

// settle publishes state when no attempt is live.
func (s *Session) settle(state domain.SessionState) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.current != nil || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.listeners.Each(func(l Listener) { l.SessionStateChanged(state) })
}

func (s *Session) emitLocalAudio(a *attempt, trackID string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	live := s.current == a
	s.mu.Unlock()
	if !live {
		return
	}
	s.listeners.Each(func(l Listener) { l.LocalAudioAvailable(trackID) })
}

func asMediaAccessError(deviceID string, err error) error {
	var mediaErr *domain.MediaAccessError
	if errors.As(err, &mediaErr) {
		return err
	}
	return &domain.MediaAccessError{DeviceID: deviceID, Err: err}
}
