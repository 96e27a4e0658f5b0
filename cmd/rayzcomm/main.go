// Package main runs the device communication layer as a daemon. It connects
// to the configured game devices, directly or through a relay session, logs
// what they report and serves Prometheus metrics and health over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/David-ssnd/rayz-web-sub000/config"
	"github.com/David-ssnd/rayz-web-sub000/device"
	"github.com/David-ssnd/rayz-web-sub000/events"
	"github.com/David-ssnd/rayz-web-sub000/health"
	"github.com/David-ssnd/rayz-web-sub000/metric"
	"github.com/David-ssnd/rayz-web-sub000/natsclient"
	"github.com/David-ssnd/rayz-web-sub000/pkg/tlsutil"
	"github.com/David-ssnd/rayz-web-sub000/protocol"
	"github.com/David-ssnd/rayz-web-sub000/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rayzcomm"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	metricsRegistry := metric.NewMetricsRegistry()
	app, err := setupTransport(cfg, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer app.close()

	server := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry, health.Handler(app.health))

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	g, gctx := errgroup.WithContext(signalCtx)
	if cfg.Metrics.Port > 0 {
		logger.Info("Serving metrics", "address", server.Address())
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
	}
	g.Go(func() error {
		return runTransport(gctx, app, cliCfg.ShutdownTimeout, logger)
	})
	return g.Wait()
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		return nil, nil, true, err
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting rayzcomm",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// loadConfig layers the optional file over defaults and RAYZ_* overrides
// over both
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// app is a running transport plus whatever it needs torn down
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport transport.Transport
	client    *natsclient.Client
	unsub     []func()
}

// setupTransport builds the transport for cfg.Mode and subscribes the
// daemon's log handlers to it
func setupTransport(cfg *config.Config, logger *slog.Logger, metricsRegistry *metric.MetricsRegistry) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	deps := transport.Dependencies{
		Logger:  logger,
		Metrics: metricsRegistry.CommMetrics(),
		Router:  events.NewRouter(logger, metricsRegistry.CommMetrics()),
	}

	if cfg.Mode == config.ModeRelay {
		opts, err := relayClientOptions(cfg, logger)
		if err != nil {
			return nil, err
		}
		client, err := natsclient.NewClient(cfg.Relay.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("create relay client: %w", err)
		}
		channel, err := natsclient.NewChannel(client, natsclient.ChannelConfig{
			Prefix:      cfg.Relay.ChannelPrefix,
			SessionID:   cfg.Relay.SessionID,
			PresenceTTL: cfg.Relay.PresenceTTL.Std(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create relay channel: %w", err)
		}
		a.client = client
		deps.Channel = channel
	}

	tr, err := transport.New(cfg, deps)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create transport: %w", err)
	}
	a.transport = tr

	a.unsub = append(a.unsub,
		tr.OnStateChange(func(s device.DeviceState) {
			logger.Info("Device state", "device_id", s.ID, "state", s.State, "retry_count", s.RetryCount)
		}),
		tr.OnError(func(id string, err error) {
			logger.Warn("Device error", "device_id", id, "error", err)
		}),
		tr.OnMessage(events.Wildcard, func(id string, msg protocol.DeviceMessage) {
			logger.Debug("Device message", "device_id", id, "type", msg.MessageType())
			if over, ok := msg.(*protocol.GameOver); ok {
				logger.Info("Game over", "device_id", id, "winner_team", over.WinnerTeam, "reason", over.Reason)
			}
		}),
	)
	return a, nil
}

// relayClientOptions maps the relay section of cfg onto client options
func relayClientOptions(cfg *config.Config, logger *slog.Logger) ([]natsclient.ClientOption, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
		natsclient.WithNoEcho(),
		natsclient.WithTimeout(cfg.ConnectionTimeout.Std()),
	}
	if cfg.Relay.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Relay.Username, cfg.Relay.Password))
	}
	if cfg.Relay.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Relay.Token))
	}
	if cfg.Relay.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.Relay.PingInterval.Std()))
	}
	if cfg.Relay.TLS != nil {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(*cfg.Relay.TLS)
		if err != nil {
			return nil, fmt.Errorf("load relay TLS: %w", err)
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}
	return opts, nil
}

// health reports the transport: per-device status in direct mode, relay
// connectivity plus presence in relay mode
func (a *app) health() health.Status {
	if direct, ok := a.transport.(*transport.Direct); ok {
		return direct.Registry().Health()
	}

	state, lastErr := "disconnected", ""
	if a.client != nil {
		switch a.client.Status() {
		case natsclient.StatusConnected:
			state = "connected"
		case natsclient.StatusConnecting, natsclient.StatusReconnecting:
			state = "connecting"
		}
		if err := a.client.LastError(); err != nil {
			lastErr = err.Error()
		}
	}
	status := health.FromConnection("relay", state, lastErr, nil)
	if status.IsHealthy() {
		status.Message = fmt.Sprintf("connected, %d devices present", len(a.transport.ConnectedDevices()))
		if rtt, err := a.client.RTT(); err == nil {
			status.Message += fmt.Sprintf(", rtt %s", rtt.Round(time.Microsecond))
		}
	}
	return status
}

func (a *app) close() {
	for _, unsub := range a.unsub {
		unsub()
	}
	if closer, ok := a.transport.(interface{ Close() }); ok {
		closer.Close()
	}
	if a.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.client.Close(ctx); err != nil {
			a.logger.Warn("Relay client close failed", "error", err)
		}
	}
}

// runTransport connects the transport and blocks until ctx ends, then
// disconnects within shutdownTimeout. ctx ends on SIGINT, SIGTERM or when a
// sibling goroutine fails.
func runTransport(ctx context.Context, a *app, shutdownTimeout time.Duration, logger *slog.Logger) error {
	if err := a.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	logger.Info("rayzcomm started",
		"mode", a.transport.Mode(),
		"devices", a.cfg.Devices,
		"connected", a.transport.ConnectedDevices())

	<-ctx.Done()
	logger.Info("Shutting down", "cause", context.Cause(ctx))

	done := make(chan error, 1)
	go func() { done <- a.transport.Disconnect() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %s", shutdownTimeout)
	}

	logger.Info("rayzcomm shutdown complete")
	return nil
}
