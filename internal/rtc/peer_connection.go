package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"voicelink/internal/ports"
)

var errForeignTrack = errors.New("track was not created by rtc media devices")

// PeerFactory builds pion peer connections.
type PeerFactory struct {
	logger *zap.Logger
}

func NewPeerFactory(logger *zap.Logger) *PeerFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeerFactory{logger: logger}
}

func (f *PeerFactory) NewPeerConnection(cfg ports.PeerConfig, handlers ports.PeerHandlers) (ports.PeerConnection, error) {
	configuration := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		configuration.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	pc, err := webrtc.NewPeerConnection(configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	logger := f.logger
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state changed", zap.String("state", state.String()))
		if handlers.ConnectionStateChanged != nil {
			handlers.ConnectionStateChanged(state.String())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("remote track received", zap.String("track", track.ID()), zap.String("kind", track.Kind().String()))
		if handlers.TrackReceived != nil {
			handlers.TrackReceived(&remoteTrack{track: track})
		}
	})

	return &peerConnection{pc: pc, logger: logger}, nil
}

type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
}

// trackLocalProvider is implemented by tracks built in this package.
type trackLocalProvider interface {
	TrackLocal() webrtc.TrackLocal
}

func (p *peerConnection) AddTrack(track ports.LocalTrack) (ports.RTPSender, error) {
	provider, ok := track.(trackLocalProvider)
	if !ok {
		return nil, errForeignTrack
	}
	sender, err := p.pc.AddTrack(provider.TrackLocal())
	if err != nil {
		return nil, fmt.Errorf("failed to add local track: %w", err)
	}

	// Interceptors only run when RTCP is read off the sender.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &rtpSender{sender: sender}, nil
}

func (p *peerConnection) CreateOffer(ctx context.Context) (ports.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return ports.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return ports.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return ports.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// SetLocalDescription applies desc and waits for ICE gathering so the returned
// description carries every candidate.
func (p *peerConnection) SetLocalDescription(ctx context.Context, desc ports.SessionDescription) (ports.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}); err != nil {
		return ports.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return ports.SessionDescription{}, ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return ports.SessionDescription{}, errors.New("local description is unavailable after gathering")
	}
	return ports.SessionDescription{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (p *peerConnection) SetRemoteDescription(desc ports.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (p *peerConnection) SignalingState() string {
	return p.pc.SignalingState().String()
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

type rtpSender struct {
	sender *webrtc.RTPSender
}

func (s *rtpSender) ReplaceTrack(track ports.LocalTrack) error {
	if track == nil {
		return s.sender.ReplaceTrack(nil)
	}
	provider, ok := track.(trackLocalProvider)
	if !ok {
		return errForeignTrack
	}
	return s.sender.ReplaceTrack(provider.TrackLocal())
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string   { return r.track.ID() }
func (r *remoteTrack) Kind() string { return r.track.Kind().String() }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	packet, _, err := r.track.ReadRTP()
	return packet, err
}
