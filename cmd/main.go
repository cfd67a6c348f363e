package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"loxonecontrol/internal/accessory"
	"loxonecontrol/internal/api"
	"loxonecontrol/internal/blinds"
	"loxonecontrol/internal/clock"
	"loxonecontrol/internal/config"
	"loxonecontrol/internal/events"
	"loxonecontrol/internal/homekit"
	"loxonecontrol/internal/loxone"
	"loxonecontrol/internal/metrics"
	"loxonecontrol/internal/mqtt"
	"loxonecontrol/internal/platform"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Initialize logger
	zapConfig := zap.NewProductionConfig()
	logger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader("", logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zapConfig.Level.SetLevel(level)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.NewRealClock()
	m := metrics.New()
	bus := events.NewBus(logger)
	bus.Subscribe(func(ev events.Event) { m.AccessoryEvent(ev.Kind) })

	session := cfg.Session()
	web := loxone.NewWebInterface(session, clk, m, logger)
	defer web.Close()

	controller := blinds.NewController(web, cfg.Blinds, clk, m, logger)
	defer controller.Stop()

	plat := platform.New(cfg.AccessoryDevices(), accessory.NewDefaultRegistry(logger), &accessory.Context{
		Commander: web,
		Blinds:    controller,
		Bus:       bus,
		Clock:     clk,
		FanLevels: cfg.FanLevels,
		Logger:    logger,
	}, clk, m, logger)
	accessories := plat.DiscoverDevices()

	hk, err := homekit.NewServer(cfg.HomeKitServer(), accessories, logger)
	if err != nil {
		logger.Fatal("Failed to create HomeKit server", zap.Error(err))
	}
	go func() {
		if err := hk.ListenAndServe(ctx); err != nil {
			logger.Error("HomeKit server stopped", zap.Error(err))
			cancel()
		}
	}()

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTTClient(), logger)
		if err != nil {
			logger.Error("MQTT mirror disabled", zap.Error(err))
		} else {
			mirror := mqtt.NewMirror(client, cfg.MQTT.Prefix, bus, logger)
			mirror.Start()
			defer mirror.Stop()
		}
	}

	logger.Info("Starting Loxone Control",
		zap.Int("accessories", len(accessories)),
		zap.Bool("credentials", session.HasCredentials()),
		zap.Int("http_port", cfg.HTTP.Port))

	if session.HasCredentials() {
		server := api.NewServer(plat, bus, m, logger, cfg.HTTP.Port)
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error("Failed to stop HTTP API server", zap.Error(err))
			}
		}()

		go func() {
			select {
			case <-plat.Ready():
				if err := server.Start(); err != nil {
					logger.Error("Failed to start HTTP API server", zap.Error(err))
				}
			case <-ctx.Done():
			}
		}()

		go runWebInterface(ctx, web, plat, logger)
	} else {
		logger.Warn("No credentials configured, running HomeKit only")
	}

	logger.Info("Application running. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
}

type webSession interface {
	Start(ctx context.Context, handler loxone.Handler) error
}

// runWebInterface starts the web session. A failed login leaves HomeKit
// serving the accessories it already published.
func runWebInterface(ctx context.Context, web webSession, handler loxone.Handler, logger *zap.Logger) {
	if err := web.Start(ctx, handler); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("Web interface failed, HomeKit keeps serving", zap.Error(err))
	}
}
