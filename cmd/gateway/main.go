package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis_bus "fleetdeck.gateway/internal/adapters/bus/redis"
	http_handler "fleetdeck.gateway/internal/adapters/handler/http"
	"fleetdeck.gateway/internal/adapters/handler/mqtt"
	"fleetdeck.gateway/internal/adapters/handler/ws"
	"fleetdeck.gateway/internal/adapters/repository/pg"
	"fleetdeck.gateway/internal/config"
	"fleetdeck.gateway/internal/core/auth"
	"fleetdeck.gateway/internal/core/logger"
	"fleetdeck.gateway/internal/core/services"
	"fleetdeck.gateway/internal/core/tracing"
	"fleetdeck.gateway/internal/proxy"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting FleetDeck relay gateway", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableTracing {
		shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
		} else {
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("failed to shutdown tracing", "error", err)
				}
			}()
		}
	}

	// Durable store
	repo, err := pg.NewRepository(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to init postgres", "error", err)
		log.Fatalf("failed to init postgres: %v", err)
	}

	// Bus, ring buffer, telemetry cache
	bus, redisClient, err := redis_bus.NewAdapter(cfg.RedisURL, cfg.OutputMaxLines, cfg.OutputTTL, cfg.AgentTimeout())
	if err != nil {
		logger.Error("failed to init redis", "error", err)
		log.Fatalf("failed to init redis: %v", err)
	}

	// Core services
	authenticator := auth.NewAuthenticator(repo, cfg.SessionJWTSecret)
	registry := services.NewRegistry(repo, bus, bus)
	directory := services.NewDirectory(repo, repo, bus)
	healthSvc := services.NewHealthService(repo.DB(), redisClient, version)

	// Relay endpoints and watchdog
	table := ws.NewAgentTable()
	relay := ws.NewRelay(authenticator, registry, directory, bus, bus, table)
	watchdog := services.NewWatchdog(table, registry, cfg.HeartbeatInterval, cfg.AgentTimeout())
	go watchdog.Start(ctx)

	// Optional MQTT bridge
	if cfg.MQTTBrokerURL != "" {
		bridge, err := mqtt.NewPublisher(bus, cfg.MQTTBrokerURL)
		if err != nil {
			logger.Error("failed to init MQTT bridge", "error", err)
		} else if err := bridge.Start(ctx); err != nil {
			logger.Error("failed to start MQTT bridge", "error", err)
		}
	}

	upstreamProxy := proxy.New(cfg.UpstreamAddr)
	server := http_handler.NewServer(relay, healthSvc, upstreamProxy, cfg.EnableMetrics)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "upstream", cfg.UpstreamAddr)
		errCh <- server.Run(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			log.Fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}
}
