package rtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"go.uber.org/zap"

	"voicelink/internal/ports"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
	frameDuration = 20 * time.Millisecond
	streamID      = "voicelink"
)

// silenceFrame is a single 20ms Opus frame that decodes to silence.
var silenceFrame = []byte{0xf8, 0xff, 0xfe}

var opusTagsMagic = []byte("OpusTags")

type sampleTrack interface {
	webrtc.TrackLocal
	WriteSample(sample media.Sample) error
}

// MediaDevices turns ffmpeg capture sessions into Opus tracks.
type MediaDevices struct {
	capture       ports.AudioCapture
	inputFormat   string
	defaultDevice string
	logger        *zap.Logger

	newTrack func(id string) (sampleTrack, error)
}

func NewMediaDevices(capture ports.AudioCapture, inputFormat string, defaultDevice string, logger *zap.Logger) *MediaDevices {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaDevices{
		capture:       capture,
		inputFormat:   inputFormat,
		defaultDevice: defaultDevice,
		logger:        logger,
		newTrack:      newOpusTrack,
	}
}

func newOpusTrack(id string) (sampleTrack, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		id,
		streamID,
	)
}

// GetUserMedia starts a capture on the requested device and returns once the
// Ogg/Opus header has been read.
func (m *MediaDevices) GetUserMedia(ctx context.Context, constraints ports.AudioConstraints) (ports.LocalStream, error) {
	device := constraints.DeviceID
	if device == "" {
		device = m.defaultDevice
	}

	session, err := m.capture.Start(context.WithoutCancel(ctx), ports.AudioConfig{
		SampleRate:  opusClockRate,
		Channels:    opusChannels,
		InputFormat: m.inputFormat,
		InputDevice: device,
	})
	if err != nil {
		return nil, err
	}

	reader, err := readOggHeader(ctx, session)
	if err != nil {
		_ = session.Stop()
		return nil, err
	}

	id := "audio-" + uuid.NewString()
	track, err := m.newTrack(id)
	if err != nil {
		_ = session.Stop()
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	local := &localTrack{
		id:      id,
		track:   track,
		session: session,
		done:    make(chan struct{}),
		logger:  m.logger.With(zap.String("track", id), zap.String("device", device)),
	}
	local.enabled.Store(true)
	local.live.Store(true)
	go local.pump(reader)

	m.logger.Debug("local audio acquired", zap.String("track", id), zap.String("device", device))
	return &localStream{tracks: []*localTrack{local}}, nil
}

func readOggHeader(ctx context.Context, session ports.AudioSession) (*oggreader.OggReader, error) {
	type result struct {
		reader *oggreader.OggReader
		err    error
	}
	ready := make(chan result, 1)
	go func() {
		reader, _, err := oggreader.NewWith(session)
		ready <- result{reader: reader, err: err}
	}()

	select {
	case res := <-ready:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read capture header: %w", res.err)
		}
		return res.reader, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type localStream struct {
	tracks []*localTrack
}

func (s *localStream) AudioTracks() []ports.LocalTrack {
	out := make([]ports.LocalTrack, 0, len(s.tracks))
	for _, track := range s.tracks {
		out = append(out, track)
	}
	return out
}

func (s *localStream) Stop() error {
	var errs []error
	for _, track := range s.tracks {
		if err := track.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type localTrack struct {
	id      string
	track   sampleTrack
	session ports.AudioSession
	logger  *zap.Logger

	enabled atomic.Bool
	live    atomic.Bool
	done    chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (t *localTrack) ID() string                    { return t.id }
func (t *localTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *localTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *localTrack) Live() bool                    { return t.live.Load() }
func (t *localTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *localTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.live.Store(false)
		t.stopErr = t.session.Stop()
		<-t.done
	})
	return t.stopErr
}

// pump forwards captured Opus pages to the track, sending silence while disabled.
func (t *localTrack) pump(reader *oggreader.OggReader) {
	defer close(t.done)
	defer t.live.Store(false)

	var lastGranule uint64
	for {
		page, header, err := reader.ParseNextPage()
		if err != nil {
			if t.live.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				t.logger.Warn("capture stream ended", zap.Error(err))
			}
			return
		}
		if bytes.HasPrefix(page, opusTagsMagic) {
			continue
		}

		duration := frameDuration
		if lastGranule != 0 && header.GranulePosition > lastGranule {
			duration = time.Duration(header.GranulePosition-lastGranule) * time.Second / opusClockRate
		}
		lastGranule = header.GranulePosition

		data := page
		if !t.enabled.Load() {
			data = silenceFrame
		}
		if err := t.track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
			t.logger.Debug("dropping local audio sample", zap.Error(err))
		}
	}
}
