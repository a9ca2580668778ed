package ports

import (
	"context"
	"fmt"
	"io"

	"github.com/pion/rtp"

	"voicelink/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session producing an Ogg/Opus byte stream.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// AudioConstraints narrows local media acquisition.
type AudioConstraints struct {
	DeviceID string
}

// LocalTrack is one outgoing audio track.
type LocalTrack interface {
	ID() string
	Enabled() bool
	SetEnabled(enabled bool)
	Live() bool
	Stop() error
}

// LocalStream is an acquired capture stream.
type LocalStream interface {
	AudioTracks() []LocalTrack
	Stop() error
}

// MediaDevices acquires local capture streams.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints AudioConstraints) (LocalStream, error)
}

// DeviceEnumerator lists the audio endpoints available to the user.
type DeviceEnumerator interface {
	EnumerateDevices(ctx context.Context) ([]domain.Device, error)
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	Kind() string
	ReadRTP() (*rtp.Packet, error)
}

// RTPSender carries one outgoing track and can swap it without renegotiation.
type RTPSender interface {
	ReplaceTrack(track LocalTrack) error
}

// PeerHandlers receive peer connection notifications. They are fixed at construction.
type PeerHandlers struct {
	ConnectionStateChanged func(state string)
	TrackReceived          func(track RemoteTrack)
}

// PeerConfig configures a new peer connection.
type PeerConfig struct {
	ICEServers []string
}

// PeerConnection is the negotiated real-time transport.
type PeerConnection interface {
	AddTrack(track LocalTrack) (RTPSender, error)
	CreateOffer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) (SessionDescription, error)
	SetRemoteDescription(desc SessionDescription) error
	SignalingState() string
	Close() error
}

// PeerConnectionFactory builds fresh peer connections.
type PeerConnectionFactory interface {
	NewPeerConnection(cfg PeerConfig, handlers PeerHandlers) (PeerConnection, error)
}

// Signaler exchanges an offer for an answer with the signaling endpoint.
type Signaler interface {
	Exchange(ctx context.Context, endpoint string, offer SessionDescription) (SessionDescription, error)
}

// AudioSink plays remote audio on an output device.
type AudioSink interface {
	Attach(track RemoteTrack) error
	SetOutputDevice(ctx context.Context, deviceID string) error
	Close() error
}

// AudioSinkFactory creates audio sinks.
type AudioSinkFactory interface {
	NewSink(ctx context.Context, deviceID string) (AudioSink, error)
}

// ChannelConn is one open duplex transcript connection.
type ChannelConn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// ChannelDialer opens transcript connections.
type ChannelDialer interface {
	Dial(ctx context.Context, url string) (ChannelConn, error)
}

// ChannelClosedError is returned by ChannelConn.ReadMessage when the peer closed the connection.
type ChannelClosedError struct {
	Code int
	Text string
}

func (e *ChannelClosedError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("channel closed with code %d", e.Code)
	}
	return fmt.Sprintf("channel closed with code %d: %s", e.Code, e.Text)
}

// CloseNormalClosure is the close code for an orderly shutdown.
const CloseNormalClosure = 1000

// CloseAbnormalClosure is reported when the connection dropped without a close frame.
const CloseAbnormalClosure = 1006

// SessionStore reads persisted conversations.
type SessionStore interface {
	List(ctx context.Context, limit int) ([]domain.SessionSummary, error)
	Get(ctx context.Context, id string) (domain.SessionRecord, error)
}

// TranscriptFormatter renders transcript text for export.
type TranscriptFormatter interface {
	Transcript(messages []domain.TranscriptMessage) (string, error)
}

// Clipboard writes text into the system clipboard.
type Clipboard interface {
	SetText(ctx context.Context, text string) error
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	SessionStateChanged(state domain.SessionState)
	LocalAudioAvailable(trackID string)
	TranscriptUpdated(transcript domain.Transcript)
	ChannelStateChanged(state domain.ChannelState)
	LiveViewChanged(url string)
	SessionError(code domain.ErrorCode, detail string)
}
