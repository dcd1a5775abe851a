package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
)

// Kind classifies a media device
type Kind string

const (
	KindAudioInput  Kind = "audioinput"
	KindAudioOutput Kind = "audiooutput"
	KindVideoInput  Kind = "videoinput"
)

var (
	ErrNoLabel        = errors.New("device: microphone label is empty")
	ErrDeviceNotFound = errors.New("device: no device matches label")
)

// Device describes one media device as reported by the platform
type Device struct {
	ID    string `json:"deviceId"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Lister returns the devices currently visible to the process
type Lister interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// Enumerator lists devices and resolves persisted labels to current ids
type Enumerator struct {
	lister Lister
	logger *slog.Logger
}

// NewEnumerator creates an enumerator backed by lister
func NewEnumerator(lister Lister, logger *slog.Logger) *Enumerator {
	return &Enumerator{lister: lister, logger: logger}
}

// List returns devices of the given kind. An empty kind returns all devices.
func (e *Enumerator) List(ctx context.Context, kind Kind) ([]Device, error) {
	devices, err := e.lister.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	if kind == "" {
		return devices, nil
	}

	filtered := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.Kind == kind {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// ResolveMicrophone maps a persisted label to the input device that carries
// it right now. An exact match wins over a case-insensitive one.
func (e *Enumerator) ResolveMicrophone(ctx context.Context, label string) (Device, error) {
	if strings.TrimSpace(label) == "" {
		return Device{}, ErrNoLabel
	}

	inputs, err := e.List(ctx, KindAudioInput)
	if err != nil {
		return Device{}, err
	}

	for _, d := range inputs {
		if d.Label == label {
			return d, nil
		}
	}
	for _, d := range inputs {
		if strings.EqualFold(d.Label, label) {
			return d, nil
		}
	}

	e.logger.Warn("Microphone not found",
		slog.String("label", label),
		slog.Int("available_inputs", len(inputs)),
	)
	return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, label)
}

// StaticLister serves a fixed device list
type StaticLister []Device

// ListDevices returns a copy of the list
func (s StaticLister) ListDevices(context.Context) ([]Device, error) {
	out := make([]Device, len(s))
	copy(out, s)
	return out, nil
}

// FFmpegLister enumerates avfoundation devices through ffmpeg
type FFmpegLister struct {
	Path string
}

// ListDevices runs ffmpeg -list_devices and parses its diagnostic output
func (f FFmpegLister) ListDevices(ctx context.Context) ([]Device, error) {
	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	// ffmpeg exits non-zero here because no input is opened; the listing is on stderr
	cmd := exec.CommandContext(ctx, path, "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "")
	out, _ := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	devices := ParseAVFoundation(string(out))
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices reported by ffmpeg")
	}
	return devices, nil
}

var avfDeviceLine = regexp.MustCompile(`\[(\d+)\]\s+(.+)$`)

// ParseAVFoundation extracts devices from ffmpeg's avfoundation listing.
// Ids are the avfoundation indexes used in -i arguments.
func ParseAVFoundation(output string) []Device {
	var devices []Device
	kind := Kind("")

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "AVFoundation video devices"):
			kind = KindVideoInput
			continue
		case strings.Contains(line, "AVFoundation audio devices"):
			kind = KindAudioInput
			continue
		}
		if kind == "" {
			continue
		}

		// Strip the "[AVFoundation indev @ 0x...]" prefix before matching
		if idx := strings.Index(line, "] "); idx >= 0 && strings.HasPrefix(line, "[AVFoundation") {
			line = line[idx+2:]
		}

		m := avfDeviceLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		devices = append(devices, Device{
			ID:    m[1],
			Label: strings.TrimSpace(m[2]),
			Kind:  kind,
		})
	}
	return devices
}
