// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/hubgate/broker"
	"github.com/absmach/hubgate/broker/relay"
	"github.com/absmach/hubgate/broker/webhook"
	"github.com/absmach/hubgate/config"
	"github.com/absmach/hubgate/ratelimit"
	"github.com/absmach/hubgate/server/health"
	"github.com/absmach/hubgate/server/otel"
	"github.com/absmach/hubgate/transport/mochi"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	allowAll := flag.Bool("allow-all", false, "Allow every connect, subscribe and publish (development only)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting hubgate", "version", version)
	slog.Info("Configuration loaded",
		"tcp_listener", cfg.Server.TCPAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"ws_listener", cfg.Server.WSAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"storage", cfg.Storage.Type,
		"collection", cfg.Storage.Collection,
		"log_level", cfg.Log.Level)

	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithTransport(mochi.New),
		broker.WithStore(broker.OpenStore),
	}

	var otelShutdown otel.ShutdownFunc
	if cfg.Server.MetricsEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		shutdown, err := otel.InitProvider(ctx, cfg.Server, cfg.Broker.ID)
		cancel()
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)
	}
	metrics, err := otel.NewMetrics(nil)
	if err != nil {
		slog.Error("Failed to create metrics", "error", err)
		os.Exit(1)
	}
	opts = append(opts, broker.WithMetrics(metrics))

	if cfg.RateLimit.Enabled {
		opts = append(opts, broker.WithRateLimiter(ratelimit.NewManager(cfg.RateLimit)))
		slog.Info("Rate limiting enabled")
	}

	if cfg.Webhook.Enabled {
		sender := webhook.NewHTTPSender(&http.Client{Timeout: cfg.Webhook.Defaults.Timeout})
		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.ID, sender, logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
		opts = append(opts, broker.WithNotifier(wh))
		slog.Info("Webhook notifications enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	if cfg.Relay.Enabled {
		r, err := relay.Connect(cfg.Relay, cfg.Broker.ID, logger)
		if err != nil {
			slog.Error("Failed to connect event relay", "error", err, "url", cfg.Relay.URL)
			os.Exit(1)
		}
		opts = append(opts, broker.WithNotifier(r))
		slog.Info("NATS event relay enabled", "url", cfg.Relay.URL, "subject_prefix", cfg.Relay.SubjectPrefix)
	}

	session, err := broker.New(cfg, opts...)
	if err != nil {
		slog.Error("Failed to create broker session", "error", err)
		os.Exit(1)
	}

	session.OnError(func(err error) {
		logger.Warn("Broker error", "error", err)
	})
	session.OnConnected(func(c broker.Client) {
		logger.Debug("Client connected", "client_id", c.ID, "remote_addr", c.RemoteAddr)
	})
	session.OnDisconnected(func(c broker.Client) {
		logger.Debug("Client disconnected", "client_id", c.ID)
	})
	if *allowAll {
		slog.Warn("All clients are authorized, do not use in production")
		session.AuthorizeConnect(func(context.Context, broker.Client, string, []byte) (bool, error) { return true, nil })
		session.AuthorizeSubscribe(func(context.Context, broker.Client, string) (bool, error) { return true, nil })
		session.AuthorizePublish(func(context.Context, broker.Client, string, []byte) (bool, error) { return true, nil })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := session.Setup(ctx); err != nil {
		slog.Error("Failed to start broker session", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, session, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				slog.Error("Health server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := session.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during broker shutdown", "error", err)
	}
	cancel()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Error shutting down OpenTelemetry", "error", err)
		}
	}

	wg.Wait()
	slog.Info("Hubgate stopped")
}
