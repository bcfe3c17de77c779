package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/collector"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/monitoring"
	"github.com/lumilearn/backend/internal/spool"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	cfg := config.LoadCollector()
	brokerCfg := config.LoadBroker()

	kcfg := broker.DefaultKafkaConfig(brokerCfg.Brokers)
	kcfg.ClientID = brokerCfg.ClientID
	client, err := broker.NewKafkaClient(kcfg)
	if err != nil {
		slog.Error("kafka client init failed", "brokers", brokerCfg.Brokers, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	sp, err := spool.New(cfg.SpoolDir, cfg.SpoolMaxAge)
	if err != nil {
		slog.Error("spool init failed", "dir", cfg.SpoolDir, "error", err)
		os.Exit(1)
	}

	metrics := monitoring.New(prometheus.DefaultRegisterer)
	srv := collector.New(cfg, client, sp, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("collector terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("collector stopped cleanly")
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
