// Package main is the entry point for the meter gateway service. It
// wires the register map, connection pool, reader, poller, and HTTP
// surface together and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridpulse/metergate/internal/adapter/config"
	"github.com/gridpulse/metergate/internal/adapter/modbus"
	"github.com/gridpulse/metergate/internal/adapter/mqtt"
	"github.com/gridpulse/metergate/internal/api"
	"github.com/gridpulse/metergate/internal/health"
	"github.com/gridpulse/metergate/internal/metrics"
	"github.com/gridpulse/metergate/internal/service"
	"github.com/gridpulse/metergate/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	serviceName    = "metergate"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(serviceName, serviceVersion, logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	logger.Info().Str("env", cfg.Environment).Msg("Starting meter gateway")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connection pool and reader.
	pool := modbus.NewPool(modbus.PoolConfig{
		PerKeyMax:      cfg.Modbus.PerKeyMax,
		IdleTimeout:    cfg.Modbus.IdleTimeout,
		ReapInterval:   cfg.Modbus.ReapInterval,
		AcquireTimeout: cfg.Modbus.AcquireTimeout,
		Session: modbus.SessionConfig{
			ConnectTimeout: cfg.Modbus.ConnectTimeout,
			ReadTimeout:    cfg.Modbus.ReadTimeout,
		},
	}, logger, metricsRegistry)
	defer pool.Close()

	reader := modbus.NewReader(pool, logger, metricsRegistry)
	policy := modbus.ReadPolicy{
		ConnectTimeout: cfg.Modbus.ConnectTimeout,
		ReadTimeout:    cfg.Modbus.ReadTimeout,
		AcquireTimeout: cfg.Modbus.AcquireTimeout,
	}

	// Reading sink. MQTT is optional; without it readings are only
	// served over the API.
	var sink service.Sink
	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
		}, logger, metricsRegistry)

		if err := publisher.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer publisher.Disconnect()
		sink = publisher
	}

	// Polling service.
	poller := service.NewPoller(service.PollerConfig{
		WorkerCount:     cfg.Polling.WorkerCount,
		DefaultInterval: cfg.Polling.DefaultInterval,
		ShutdownTimeout: cfg.Polling.ShutdownTimeout,
		ReadPolicy:      policy,
	}, reader, sink, logger, metricsRegistry)

	meters, err := config.LoadMeters(cfg.MetersConfigPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.MetersConfigPath).Msg("No meter definitions loaded")
	}
	for _, meter := range meters {
		if err := poller.RegisterMeter(meter); err != nil {
			logger.Error().Err(err).Str("meter", meter.ID).Msg("Failed to register meter")
		}
	}
	logger.Info().Int("count", len(meters)).Msg("Loaded meter definitions")

	if cfg.Polling.Enabled {
		if err := poller.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start poller")
		}
	}

	// Health checks and HTTP server.
	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("modbus_pool", pool)
	if publisher != nil {
		healthChecker.AddCheck("mqtt", publisher)
	}
	if cfg.Polling.Enabled {
		healthChecker.AddCheck("poller", poller)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", promhttp.Handler())

	handlers := api.NewHandlers(reader, poller, pool, policy, logger)
	handlers.Register(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Int("meters", len(meters)).
		Int("http_port", cfg.HTTP.Port).
		Bool("mqtt_enabled", cfg.MQTT.Enabled).
		Msg("Meter gateway started")

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Polling.ShutdownTimeout)
	defer shutdownCancel()

	if err := poller.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping poller")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	logger.Info().Msg("Meter gateway shutdown complete")
}
