package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FFmpegSource captures audio devices by running ffmpeg and reading raw
// s16le PCM from its stdout.
type FFmpegSource struct {
	Path         string
	InputFormat  string // e.g. avfoundation, pulse, dshow
	DisplayInput string // input carrying tab/system audio
	SampleRate   int
	FrameSamples int
	Logger       *slog.Logger
}

// DisplayMedia opens the tab/system audio input
func (s *FFmpegSource) DisplayMedia(ctx context.Context) (*Stream, error) {
	t, err := s.open(ctx, "display", s.DisplayInput)
	if err != nil {
		return nil, err
	}
	return NewStream("display", t), nil
}

// UserMedia opens the microphone with the given device id
func (s *FFmpegSource) UserMedia(ctx context.Context, deviceID string) (*Stream, error) {
	input := deviceID
	if s.InputFormat == "avfoundation" && !strings.HasPrefix(deviceID, ":") {
		// avfoundation addresses audio-only devices as ":<index>"
		input = ":" + deviceID
	}
	t, err := s.open(ctx, "microphone", input)
	if err != nil {
		return nil, err
	}
	return NewStream("microphone", t), nil
}

func (s *FFmpegSource) open(ctx context.Context, label, input string) (*BasicTrack, error) {
	path := s.Path
	if path == "" {
		path = "ffmpeg"
	}
	frameSamples := s.FrameSamples
	if frameSamples <= 0 {
		frameSamples = s.SampleRate / 50 // 20ms
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if s.InputFormat != "" {
		args = append(args, "-f", s.InputFormat)
	}
	args = append(args,
		"-i", input,
		"-ac", "1",
		"-ar", strconv.Itoa(s.SampleRate),
		"-f", "s16le",
		"pipe:1",
	)

	// The process outlives the request context; it is ended by stopping the track
	cmd := exec.Command(path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg for %s: %w", label, err)
	}

	first := make([]byte, frameSamples*2)
	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(stdout, first)
		readErr <- err
	}()

	select {
	case err := <-readErr:
		if err != nil {
			cmd.Wait()
			msg := strings.TrimSpace(stderr.String())
			if isPermissionError(msg) {
				return nil, fmt.Errorf("%s: %w", label, ErrPermissionDenied)
			}
			return nil, fmt.Errorf("ffmpeg %s input %q failed: %s", label, input, msg)
		}
	case <-ctx.Done():
		cmd.Process.Kill()
		cmd.Wait()
		return nil, ctx.Err()
	}

	track := NewTrack(label, KindAudio, input, 64)
	track.OnStop(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})

	go func() {
		defer func() {
			track.End()
			cmd.Wait()
		}()

		if !track.Push(Frame{Samples: decodePCM(first), Timestamp: time.Now()}) {
			return
		}

		buf := make([]byte, frameSamples*2)
		for {
			if _, err := io.ReadFull(stdout, buf); err != nil {
				if s.Logger != nil {
					s.Logger.Debug("ffmpeg input closed",
						slog.String("source", label),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			if !track.Push(Frame{Samples: decodePCM(buf), Timestamp: time.Now()}) {
				return
			}
		}
	}()

	return track, nil
}

func decodePCM(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func isPermissionError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "permission") || strings.Contains(lower, "not permitted") || strings.Contains(lower, "not authorized")
}
