package audio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"voicelink/internal/domain"
)

// PulseDevices lists PulseAudio/PipeWire sources and sinks using pactl.
type PulseDevices struct {
	command string
}

func NewPulseDevices(command string) *PulseDevices {
	if command == "" {
		command = "pactl"
	}
	return &PulseDevices{command: command}
}

func (d *PulseDevices) EnumerateDevices(ctx context.Context) ([]domain.Device, error) {
	sources, err := d.list(ctx, "sources")
	if err != nil {
		return nil, err
	}
	sinks, err := d.list(ctx, "sinks")
	if err != nil {
		return nil, err
	}

	devices := make([]domain.Device, 0, len(sources)+len(sinks))
	devices = append(devices, parseShortList(sources, domain.DeviceKindAudioInput)...)
	devices = append(devices, parseShortList(sinks, domain.DeviceKindAudioOutput)...)
	return devices, nil
}

func (d *PulseDevices) list(ctx context.Context, kind string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.command, "list", "short", kind)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w: %s", kind, err, stringsTrimSpaceSafe(stderr.String()))
	}
	return out, nil
}

// parseShortList reads `pactl list short` rows: index, name, driver, sample spec, state.
func parseShortList(output []byte, kind domain.DeviceKind) []domain.Device {
	var devices []domain.Device
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		if name == "" {
			continue
		}
		if kind == domain.DeviceKindAudioInput && strings.HasSuffix(name, ".monitor") {
			continue
		}
		devices = append(devices, domain.Device{ID: name, Label: labelFor(name), Kind: kind})
	}
	return devices
}

func labelFor(name string) string {
	label := name
	for _, prefix := range []string{"alsa_input.", "alsa_output.", "bluez_input.", "bluez_output."} {
		label = strings.TrimPrefix(label, prefix)
	}
	return strings.ReplaceAll(label, "_", " ")
}
