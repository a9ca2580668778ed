package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"

	"voicelink/internal/ports"
)

var errSinkClosed = errors.New("audio sink is closed")

// FFMPEGPlayback plays remote Opus tracks on an output device using ffmpeg.
type FFMPEGPlayback struct {
	command      string
	outputFormat string
	logger       *zap.Logger
}

func NewFFMPEGPlayback(command string, outputFormat string, logger *zap.Logger) *FFMPEGPlayback {
	if command == "" {
		command = "ffmpeg"
	}
	if outputFormat == "" {
		outputFormat = "pulse"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFMPEGPlayback{command: command, outputFormat: outputFormat, logger: logger}
}

// NewSink returns a sink bound to deviceID. The player process starts on the first Attach.
func (p *FFMPEGPlayback) NewSink(ctx context.Context, deviceID string) (ports.AudioSink, error) {
	sinkCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &playbackSink{
		playback: p,
		ctx:      sinkCtx,
		cancel:   cancel,
		deviceID: deviceID,
	}, nil
}

func playbackArgs(outputFormat string, deviceID string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "ogg",
		"-i", "pipe:0",
		"-f", outputFormat,
	}
	if deviceID != "" {
		args = append(args, "-device", deviceID)
	}
	return append(args, "voicelink")
}

type playbackSink struct {
	playback *FFMPEGPlayback
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	deviceID string
	player   *player
	track    ports.RemoteTrack
	closed   bool
}

func (s *playbackSink) Attach(track ports.RemoteTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSinkClosed
	}
	if s.player == nil {
		p, err := s.playback.startPlayer(s.ctx, s.deviceID)
		if err != nil {
			return err
		}
		s.player = p
	}
	s.track = track
	go s.pump(track)
	return nil
}

func (s *playbackSink) SetOutputDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSinkClosed
	}
	if s.player == nil {
		s.deviceID = deviceID
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	next, err := s.playback.startPlayer(s.ctx, deviceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = next.stop()
		return errSinkClosed
	}
	previous := s.player
	s.player = next
	s.deviceID = deviceID
	s.mu.Unlock()

	if previous != nil {
		_ = previous.stop()
	}
	return nil
}

func (s *playbackSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	p := s.player
	s.player = nil
	s.track = nil
	s.mu.Unlock()

	s.cancel()
	if p != nil {
		return p.stop()
	}
	return nil
}

func (s *playbackSink) pump(track ports.RemoteTrack) {
	for {
		packet, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.playback.logger.Debug("remote track ended", zap.String("track", track.ID()), zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		if s.closed || s.track != track {
			s.mu.Unlock()
			return
		}
		p := s.player
		s.mu.Unlock()

		if err := p.write(packet); err != nil {
			s.playback.logger.Debug("dropping remote audio packet", zap.Error(err))
		}
	}
}

type player struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	writer *oggwriter.OggWriter

	stderr  *bytes.Buffer
	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (p *FFMPEGPlayback) startPlayer(ctx context.Context, deviceID string) (*player, error) {
	cmd := exec.CommandContext(ctx, p.command, playbackArgs(p.outputFormat, deviceID)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg playback: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before playback started: %w: %s", err, stringsTrimSpaceSafe(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before playback started")
	case <-time.After(250 * time.Millisecond):
	}

	writer, err := oggwriter.NewWith(stdin, opusSampleRate, opusChannels)
	if err != nil {
		_ = stdin.Close()
		_ = stopProcess(cmd.Process, waitErr)
		return nil, fmt.Errorf("failed to write ogg header: %w", err)
	}

	p.logger.Debug("playback started", zap.String("device", deviceID))
	return &player{
		stdin:   stdin,
		writer:  writer,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func (p *player) write(packet *rtp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return errSinkClosed
	}
	return p.writer.WriteRTP(packet)
}

func (p *player) stop() error {
	p.stopOnce.Do(func() {
		// Closing stdin first unblocks a write stuck on a full pipe.
		_ = p.stdin.Close()
		p.stopErr = stopProcess(p.process, p.waitErr)

		p.mu.Lock()
		p.writer = nil
		p.mu.Unlock()
		if p.stopErr != nil && p.stderr.Len() > 0 {
			p.stopErr = fmt.Errorf("%w: %s", p.stopErr, stringsTrimSpaceSafe(p.stderr.String()))
		}
	})
	return p.stopErr
}
