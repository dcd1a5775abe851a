package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/capture"
	"github.com/skypro1111/meet-audio-relay/internal/config"
	"github.com/skypro1111/meet-audio-relay/internal/coordinator"
	"github.com/skypro1111/meet-audio-relay/internal/device"
	"github.com/skypro1111/meet-audio-relay/internal/store"
	"github.com/skypro1111/meet-audio-relay/internal/transcript"
	"github.com/skypro1111/meet-audio-relay/internal/worker"
)

var (
	startTabID   string
	loginAuth    store.Auth
	watchMeeting string
)

var startCmd = &cobra.Command{
	Use:   "start <meeting-url>",
	Short: "Start capturing a meeting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd.Context(), bus.TypeStartCapture, capture.StartRequest{TabID: startTabID, HostURL: args[0]})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running capture",
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd.Context(), bus.TypeStopCapture, capture.StopRequest{Reason: capture.ReasonUser})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the capture state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd.Context(), bus.TypeCaptureStatus, nil)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the auth payload produced by the login flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		return request(cmd.Context(), bus.TypeSetAuth, loginAuth)
	},
}

var micCmd = &cobra.Command{
	Use:   "mic [label]",
	Short: "List microphones, or select one by label",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return request(cmd.Context(), bus.TypeListDevices, coordinator.ListDevicesRequest{Kind: device.KindAudioInput})
		}
		return request(cmd.Context(), bus.TypeSetMicrophone, store.Microphone{Label: args[0]})
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List local capture devices without a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := clientLogger(cfg)
		lister := device.FFmpegLister{Path: cfg.Capture.FFmpegPath}
		devices, err := lister.ListDevices(cmd.Context())
		if err != nil {
			return err
		}
		logger.Debug("Devices listed", slog.Int("count", len(devices)))

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tID\tLABEL")
		for _, d := range devices {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Kind, d.ID, d.Label)
		}
		return tw.Flush()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live transcript of the current meeting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(cmd.Context())
	},
}

func init() {
	startCmd.Flags().StringVar(&startTabID, "tab", "cli", "tab id to associate with the capture")

	loginCmd.Flags().StringVar(&loginAuth.Token, "token", "", "auth token")
	loginCmd.Flags().StringVar(&loginAuth.MainDomain, "main-domain", "", "main web app domain")
	loginCmd.Flags().StringVar(&loginAuth.ChromeDomain, "chrome-domain", "", "extension API domain")
	loginCmd.MarkFlagRequired("token")

	watchCmd.Flags().StringVar(&watchMeeting, "meeting", "", "meeting id (default: the meeting being captured)")
}

func clientLogger(cfg *config.Config) *slog.Logger {
	logging := cfg.Logging
	logging.Output = "stderr"
	if logging.Level == "info" {
		logging.Level = "warn"
	}
	return initLogger(logging)
}

// dialUI joins the daemon's bus as the ui context
func dialUI(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bus.Bus, func(), error) {
	url := fmt.Sprintf("ws://%s:%d/ws", cfg.HTTP.Address, cfg.HTTP.Port)
	transport, err := bus.DialWS(ctx, url, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("is the daemon running? %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b := bus.New(bus.ContextUI, transport, logger, busOptions(cfg, nil))
	go b.Run(ctx)

	return b, func() {
		cancel()
		transport.Close()
	}, nil
}

// request sends one request to the coordinator and prints the reply
func request(ctx context.Context, msgType string, data any) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := clientLogger(cfg)

	b, closeFn, err := dialUI(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	raw, err := b.Request(ctx, bus.ContextCoordinator, msgType, data)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, raw)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		fmt.Fprintln(w, "ok")
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

// transcriptPrinter prints entries once, whichever poller delivered them
type transcriptPrinter struct {
	w    io.Writer
	seen map[string]bool
}

func (p *transcriptPrinter) print(entries []transcript.Entry) {
	for _, e := range entries {
		key := e.Timestamp + "\x00" + e.Speaker + "\x00" + e.Content
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		ts := e.Timestamp
		if t, err := e.Time(); err == nil {
			ts = t.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(p.w, "[%s] %s: %s\n", ts, e.Speaker, e.Content)
	}
}

func watch(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := clientLogger(cfg)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, closeFn, err := dialUI(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	// The watcher and the bus handlers run on different goroutines
	lines := make(chan []transcript.Entry, 16)
	printer := &transcriptPrinter{w: os.Stdout, seen: make(map[string]bool)}

	deliver := func(entries []transcript.Entry) {
		select {
		case lines <- entries:
		case <-ctx.Done():
		}
	}

	b.Handle(bus.TypeTranscript, func(_ context.Context, env bus.Envelope) (any, error) {
		msg, err := bus.Decode[worker.TranscriptMessage](env.Data)
		if err != nil {
			return nil, err
		}
		deliver(msg.Entries)
		return nil, nil
	})
	b.Handle(bus.TypeOpenLogin, func(_ context.Context, env bus.Envelope) (any, error) {
		p, _ := bus.Decode[capture.Prompt](env.Data)
		fmt.Fprintf(os.Stderr, "Login required (%s): %s\n", p.Reason, p.URL)
		return nil, nil
	})
	b.Handle(bus.TypeRecordingEnded, func(_ context.Context, env bus.Envelope) (any, error) {
		ended, _ := bus.Decode[capture.RecordingEnded](env.Data)
		fmt.Fprintf(os.Stderr, "Recording ended: %s\n", ended.Reason)
		return nil, nil
	})

	poller := transcript.NewPoller("ui", &transcript.BusFetcher{Bus: b}, cfg.Transcript.GetUIMargin(), logger, nil)
	poller.OnEntries = func(_ transcript.Target, entries []transcript.Entry) {
		deliver(entries)
	}
	poller.OnUnauthorized = func(transcript.Target, error) {
		fmt.Fprintln(os.Stderr, "Transcript unavailable: login required")
	}

	target := func() (transcript.Target, bool) {
		if watchMeeting != "" {
			return transcript.Target{MeetingID: watchMeeting}, true
		}
		raw, err := b.Request(ctx, bus.ContextCoordinator, bus.TypeCaptureStatus, nil)
		if err != nil {
			logger.Warn("Failed to read capture status", slog.String("error", err.Error()))
			return transcript.Target{}, false
		}
		status, err := bus.Decode[capture.Status](raw)
		if err != nil || !status.Capturing {
			return transcript.Target{}, false
		}
		return transcript.Target{MeetingID: status.MeetingID, ConnectionID: status.ConnectionID}, true
	}

	go transcript.NewWatcher(poller, cfg.Transcript.GetUIPollInterval(), target, logger).Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case entries := <-lines:
			printer.print(entries)
		}
	}
}
