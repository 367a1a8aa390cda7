package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-managed"
	"github.com/glimte/mmate-managed/config"
	"github.com/glimte/mmate-managed/health"
	"github.com/glimte/mmate-managed/metrics"
	"github.com/glimte/mmate-managed/provider"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mmate-listen",
		Short: "Run self-healing message listeners",
		Long: `mmate-listen connects to the configured brokers, keeps the connections alive
across failures and runs the configured listeners.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the TOML configuration file")

	rootCmd.AddCommand(
		newRunCommand(&configPath),
		newSendCommand(&configPath),
		newConfigCommand(&configPath),
	)
	return rootCmd
}

func newRunCommand(configPath *string) *cobra.Command {
	var (
		addr     string
		inMemory bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured listeners until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, inMemory)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			reg := metrics.NewRegistry()
			recorder, err := metrics.NewPrometheus(reg)
			if err != nil {
				return fmt.Errorf("failed to register metrics: %w", err)
			}

			client, err := mmate.New(ctx, cfg,
				mmate.WithLogger(logger),
				mmate.WithMetrics(recorder),
				mmate.WithMessageHandler("log", logHandler(logger)),
				mmate.WithExceptionListener("log", provider.ExceptionListenerFunc(func(err error) {
					logger.Warn("connection exception", "error", err)
				})))
			if err != nil {
				return err
			}
			defer client.Stop()

			if err := client.Start(); err != nil {
				return err
			}

			if addr != "" {
				srv := newServer(addr, client.Health(), reg, logger)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "error", err)
						cancel()
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						logger.Warn("http server shutdown failed", "error", err)
					}
				}()
				logger.Info("serving health and metrics", "addr", addr)
			}

			logger.Info("listening, press Ctrl+C to stop",
				"connections", strings.Join(client.ConnectionNames(), ","),
				"listeners", strings.Join(client.ListenerNames(), ","))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "http", "", "Address for /healthz, /readyz and /metrics (disabled when empty)")
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "Replace every connection factory with an in-memory broker")
	return cmd
}

func newSendCommand(configPath *string) *cobra.Command {
	var (
		connection string
		queue      string
		topic      string
		text       string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send text messages through a configured connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (queue == "") == (topic == "") {
				return errors.New("exactly one of --queue and --topic is required")
			}
			dest := provider.Queue(queue)
			if topic != "" {
				dest = provider.Topic(topic)
			}

			cfg, err := loadConfig(*configPath, false)
			if err != nil {
				return err
			}
			// no listeners: send only
			cfg.JMS.Listeners = nil

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			client, err := mmate.New(ctx, cfg, mmate.WithLogger(newLogger(cfg.Logging)))
			if err != nil {
				return err
			}
			defer client.Stop()

			sender, err := client.Sender(connection)
			if err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				if err := sender.SendText(ctx, dest, text); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d message(s) to %s\n", count, dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&connection, "connection", "main", "Connection name")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Destination queue")
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Destination topic")
	cmd.Flags().StringVar(&text, "text", "", "Message text")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to send")
	return cmd
}

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(cfg.Masked())
		},
	}
}

func loadConfig(path string, inMemory bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if inMemory {
		for name, f := range cfg.JMS.ConnectionFactories {
			f.Type = config.FactoryMemory
			cfg.JMS.ConnectionFactories[name] = f
		}
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func logHandler(logger *slog.Logger) provider.MessageListener {
	return provider.MessageListenerFunc(func(msg provider.Message) error {
		logger.Info("message received",
			"messageId", msg.ID(),
			"destination", msg.Destination().String(),
			"redelivered", msg.Redelivered(),
			"text", msg.Text())
		return nil
	})
}

func newServer(addr string, registry *health.Registry, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(registry, logger))
	mux.Handle("/readyz", health.ReadinessHandler(registry))
	mux.Handle("/livez", health.LivenessHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
