package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harunnryd/voicerelay/pkg/logging"
	"github.com/harunnryd/voicerelay/pkg/metrics"
	"github.com/harunnryd/voicerelay/pkg/relay"
	"github.com/harunnryd/voicerelay/pkg/runner"
)

type serveFlags struct {
	configPath string
	addr       string
	logLevel   string
	noBanner   bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voicerelay",
		Short:         "Real-time voice agent relay",
		Long:          "voicerelay bridges browser audio over WebSocket to streaming speech vendors.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "voicerelay", runner.Version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&flags.noBanner, "no-banner", false, "skip the startup banner")
	return cmd
}

func serve(ctx context.Context, flags serveFlags, stdout io.Writer) error {
	cfg, err := relay.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.addr != "" {
		cfg.Server.Addr = flags.addr
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	observer, closeMetrics, err := buildObserver(cfg.Metrics, logger)
	if err != nil {
		return err
	}
	defer closeMetrics()

	srv := relay.NewServer(cfg, relay.WithLogger(logger), relay.WithObserver(observer))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []runner.Option{runner.WithLogger(logger)}
	if !flags.noBanner {
		opts = append(opts, runner.WithBanner(stdout, cfg.Server.Addr))
	}
	// The runner bound is slightly longer than the server's own drain wait.
	drain := time.Duration(cfg.Server.DrainTimeoutMS) * time.Millisecond
	timeout := drain + drain/10
	return runner.NewLifecycleRunner(srv, timeout, opts...).Run(ctx)
}

// buildObserver fans session metrics out to the log and an optional JSONL
// file behind an async buffer. Audio events are sampled after turn latency
// has been derived from them.
func buildObserver(cfg relay.MetricsConfig, logger *slog.Logger) (metrics.Observer, func(), error) {
	if !cfg.Enabled {
		return metrics.NoopObserver{}, func() {}, nil
	}
	sinks := []metrics.Observer{metrics.NewLoggerObserver(logging.NewComponentLogger(logger, "metrics"))}
	var file *os.File
	if cfg.JSONLPath != "" {
		f, err := os.OpenFile(cfg.JSONLPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open metrics file: %w", err)
		}
		file = f
		sinks = append(sinks, metrics.NewJSONLObserver(f))
	}
	sampled := metrics.NewSamplingObserver(metrics.NewMultiObserver(sinks...), cfg.AudioRatio, metrics.EventAudioForwarded)
	// Latency sees every audio event; only the sinks are sampled.
	latency := metrics.NewLatencyObserver(sampled, logging.NewComponentLogger(logger, "latency"))
	async := metrics.NewAsyncObserver(latency, cfg.Buffer)
	return async, func() {
		async.Close()
		if dropped := async.Dropped(); dropped > 0 {
			logger.Warn("metrics_events_dropped", slog.Int64("count", dropped))
		}
		if file != nil {
			_ = file.Close()
		}
	}, nil
}
