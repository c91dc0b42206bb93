package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/agrosmart/api"
	"github.com/mjasion/balena-home/agrosmart/bridge"
	"github.com/mjasion/balena-home/agrosmart/config"
	"github.com/mjasion/balena-home/agrosmart/metrics"
	"github.com/mjasion/balena-home/agrosmart/profiling"
	"github.com/mjasion/balena-home/agrosmart/publish"
	"github.com/mjasion/balena-home/agrosmart/pump"
	"github.com/mjasion/balena-home/agrosmart/reconcile"
	"github.com/mjasion/balena-home/agrosmart/scheduler"
	"github.com/mjasion/balena-home/agrosmart/telemetry"
	"github.com/mjasion/balena-home/agrosmart/viewmodel"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	logger, err := cfg.NewLogger()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Loading configuration", zap.String("path", *configPath))
	logger.Info("Configuration loaded successfully", zap.Any("config", cfg.Redacted()))

	// Initialize Pyroscope profiling
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Fatal("Failed to initialize profiler", zap.Error(err))
	}
	if profiler != nil {
		defer func() {
			if err := profiler.Stop(); err != nil {
				logger.Error("Error shutting down profiler", zap.Error(err))
			}
		}()
	}

	// Initialize OpenTelemetry providers
	otelProviders, err := telemetry.InitProviders(context.Background(), &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OpenTelemetry providers", zap.Error(err))
	}
	if otelProviders != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelProviders.Shutdown(shutdownCtx); err != nil {
				logger.Error("Error shutting down OpenTelemetry providers", zap.Error(err))
			}
		}()
	}

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize components
	logger.Info("Initializing components",
		zap.String("bridgeURL", cfg.Bridge.BaseURL),
		zap.Duration("pollInterval", cfg.Polling.Interval()),
		zap.Duration("weatherInterval", cfg.Polling.WeatherInterval()))

	client := bridge.New(bridge.Config{
		BaseURL:            cfg.Bridge.BaseURL,
		Timeout:            cfg.Bridge.Timeout(),
		HistoryPath:        cfg.Bridge.HistoryPath,
		WeatherPath:        cfg.Bridge.WeatherPath,
		ChatPath:           cfg.Bridge.ChatPath,
		AutoModeAction:     cfg.Bridge.AutoModeAction,
		BreakerFailures:    cfg.Bridge.BreakerFailures,
		BreakerOpenTimeout: time.Duration(cfg.Bridge.BreakerOpenSeconds) * time.Second,
	}, logger)

	sensors := reconcile.NewSensorReconciler(nil)
	store := viewmodel.NewStore(viewmodel.Initial(sensors.Synthesize()))
	machine := pump.New(client, func(state pump.State) {
		store.Update(func(snap *viewmodel.Snapshot) { snap.Pump = state })
	}, logger)

	collector := metrics.NewCollector()
	follow(appCtx, store, collector.ObserveSnapshot)

	sched := scheduler.New(scheduler.Config{
		Interval:        cfg.Polling.Interval(),
		WeatherInterval: cfg.Polling.WeatherInterval(),
		HistoryLimit:    cfg.Polling.HistoryLimit,
		Observer:        collector,
	}, client, sensors, machine, store, logger)

	var pusher *metrics.Pusher
	if cfg.RemoteWrite.Enabled {
		pusher = metrics.NewPusher(metrics.PusherConfig{
			URL:          cfg.RemoteWrite.URL,
			Username:     cfg.RemoteWrite.Username,
			Password:     cfg.RemoteWrite.Password,
			PushInterval: time.Duration(cfg.RemoteWrite.PushIntervalSeconds) * time.Second,
			BufferSize:   cfg.RemoteWrite.BufferSize,
		}, logger)
		updates, unsubscribe := store.Subscribe()
		go func() {
			defer unsubscribe()
			pusher.Follow(appCtx, updates)
		}()
		go pusher.Start(appCtx)
	}

	if cfg.MQTT.Enabled {
		go startMQTT(appCtx, cfg.MQTT, store, logger)
	}

	health := metrics.NewHealthChecker(collector, scheduler.CadenceSensor, pusher, cfg.Polling.Interval(), logger)
	httpAPI := api.New(api.Deps{
		Store:          store,
		Pump:           machine,
		Refresher:      sched,
		Bridge:         client,
		Collector:      collector,
		Health:         health,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		HistoryLimit:   cfg.Polling.HistoryLimit,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(httpAPI.Handler(), "agrosmart-api"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(httpAPI.Close)

	logger.Info("Components initialized successfully", zap.Int("serverPort", cfg.Server.Port))

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := sched.Start(appCtx); err != nil {
		logger.Fatal("Failed to start poll scheduler", zap.Error(err))
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- api.RunServer(appCtx, server, time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second, logger)
	}()

	logger.Info("Service started")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		sched.Stop()
		cancel()
		select {
		case err := <-serverErr:
			if err != nil {
				logger.Error("Error shutting down HTTP server", zap.Error(err))
			}
		case <-time.After(time.Duration(cfg.Server.ShutdownTimeoutSeconds+1) * time.Second):
			logger.Warn("HTTP server shutdown timed out")
		}
	case err := <-serverErr:
		logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
		sched.Stop()
		cancel()
	}
	logger.Info("Shutdown complete")
}

// follow feeds every snapshot to fn until ctx is done
func follow(ctx context.Context, store *viewmodel.Store, fn func(viewmodel.Snapshot)) {
	updates, unsubscribe := store.Subscribe()
	go func() {
		defer unsubscribe()
		fn(store.Snapshot())
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-updates:
				if !ok {
					return
				}
				fn(snap)
			}
		}
	}()
}

// startMQTT connects to the broker and publishes snapshots until ctx is done.
// A broker that stays unreachable only disables publishing.
func startMQTT(ctx context.Context, cfg config.MQTTConfig, store *viewmodel.Store, logger *zap.Logger) {
	pubCfg := publish.Config{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Topic:          cfg.Topic,
		QoS:            byte(cfg.QoS),
		Retained:       cfg.Retained,
		ConnectRetries: cfg.ConnectRetries,
	}

	client, err := publish.Connect(ctx, pubCfg, logger)
	if err != nil {
		logger.Error("MQTT publishing disabled", zap.Error(err))
		return
	}

	publisher := publish.NewMQTTPublisher(client, pubCfg, logger)
	defer publisher.Close()

	if err := publisher.Publish(store.Snapshot()); err != nil {
		logger.Warn("Initial snapshot not published", zap.Error(err))
	}

	updates, unsubscribe := store.Subscribe()
	defer unsubscribe()
	publisher.Follow(ctx, updates)
}
