package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skypro1111/meet-audio-relay/internal/bus"
	"github.com/skypro1111/meet-audio-relay/internal/config"
	"github.com/skypro1111/meet-audio-relay/internal/metrics"
	"github.com/skypro1111/meet-audio-relay/internal/transcript"
	"github.com/skypro1111/meet-audio-relay/internal/upload"
	"github.com/skypro1111/meet-audio-relay/internal/worker"
)

const (
	serviceName    = "meet-audio-relay"
	serviceVersion = "1.0.0"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:           "relayd",
	Short:         "Meeting audio relay",
	Long:          `relayd captures meeting audio, uploads it in ordered one-second chunks and relays live transcripts back to the UI.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s v%s\n", serviceName, serviceVersion)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (.yaml or .toml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("bus", "", "bus transport (memory, nats)")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("store", "", "path of the persisted state file")
	flags.Int("port", 0, "HTTP API port")

	v.BindPFlag("logging.level", flags.Lookup("log-level"))
	v.BindPFlag("logging.format", flags.Lookup("log-format"))
	v.BindPFlag("bus.transport", flags.Lookup("bus"))
	v.BindPFlag("bus.nats_url", flags.Lookup("nats-url"))
	v.BindPFlag("store.path", flags.Lookup("store"))
	v.BindPFlag("http.port", flags.Lookup("port"))

	v.SetEnvPrefix("MEETRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(runCmd, workerCmd, devicesCmd, versionCmd)
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, loginCmd, micCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when one is given, then applies flag and
// environment overrides
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	cfg.ApplyOverrides(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func newRegistry() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewMetrics(reg)
}

func busOptions(cfg *config.Config, m *metrics.Metrics) bus.Options {
	return bus.Options{
		Timeout:       cfg.Bus.GetRequestTimeout(),
		SweepInterval: cfg.Bus.GetSweepInterval(),
		Metrics:       m,
	}
}

func newClient(cfg *config.Config, logger *slog.Logger) *transcript.Client {
	return transcript.NewClient(transcript.Config{
		Timeout:   cfg.Upload.GetTimeoutDuration(),
		UserAgent: serviceName + "/" + serviceVersion,
	}, logger)
}

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		Upload:        upload.Config{DrainInterval: cfg.Upload.GetDrainInterval()},
		CaptureMargin: cfg.Transcript.GetCaptureMargin(),
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
