package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"voicelink/internal/ports"
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
)

// FFMPEGCapture streams microphone audio as Ogg/Opus using ffmpeg.
type FFMPEGCapture struct {
	command string
}

func NewFFMPEGCapture(command string) *FFMPEGCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGCapture{command: command}
}

func (c *FFMPEGCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.AudioSession, error) {
	cmd := exec.CommandContext(ctx, c.command, captureArgs(cfg)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, stringsTrimSpaceSafe(stderr.String()))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func captureArgs(cfg ports.AudioConfig) []string {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = opusSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = opusChannels
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}

	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-c:a", "libopus",
		"-application", "voip",
		"-frame_duration", "20",
		"-page_duration", "20000",
		"-f", "ogg",
		"-",
	}
}

type ffmpegSession struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	return s.Stop()
}

func (s *ffmpegSession) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = stopProcess(s.process, s.waitErr)

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, stringsTrimSpaceSafe(s.stderr.String()))
		}
	})

	return s.stopErr
}

// stopProcess interrupts the process and kills it if it does not exit in time.
func stopProcess(process *os.Process, waitErr <-chan error) error {
	if process != nil {
		_ = process.Signal(os.Interrupt)
	}

	select {
	case err, ok := <-waitErr:
		if ok {
			return normalizeStopErr(err)
		}
	case <-time.After(1200 * time.Millisecond):
		if process != nil {
			_ = process.Kill()
		}
		err, ok := <-waitErr
		if ok {
			return normalizeStopErr(err)
		}
	}
	return nil
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func stringsTrimSpaceSafe(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
