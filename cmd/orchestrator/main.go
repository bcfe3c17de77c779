package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/dispatch"
	"github.com/lumilearn/backend/internal/learner"
	"github.com/lumilearn/backend/internal/orchestrator"
	"github.com/lumilearn/backend/internal/rules"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	orchCfg := config.LoadOrchestrator()
	rulesCfg := config.LoadRules()
	dispatchCfg := config.LoadDispatch()
	storeCfg := config.LoadLearnerStore()
	brokerCfg := config.LoadBroker()

	kcfg := broker.DefaultKafkaConfig(brokerCfg.Brokers)
	kcfg.ClientID = brokerCfg.ClientID
	client, err := broker.NewKafkaClient(kcfg)
	if err != nil {
		slog.Error("kafka client init failed", "brokers", brokerCfg.Brokers, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	backend, err := learner.NewRedisBackend(storeCfg.RedisAddr, storeCfg.RedisPassword, storeCfg.RedisDB)
	if err != nil {
		slog.Error("learner-state backend init failed", "addr", storeCfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	store, err := learner.NewStore(backend, storeCfg.CacheSize)
	if err != nil {
		slog.Error("learner-state store init failed", "error", err)
		os.Exit(1)
	}

	engine := rules.New(rulesCfg, nil)
	dispatcher := dispatch.New(dispatchCfg, client)
	orch := orchestrator.New(orchCfg, client, store, engine, dispatcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = orch.Run(ctx)
	dispatcher.Shutdown(orchCfg.GraceShutdown)

	if err != nil && err != context.Canceled {
		slog.Error("orchestrator terminated", "error", err)
		os.Exit(1)
	}

	stats := orch.Snapshot()
	slog.Info("orchestrator stopped cleanly",
		"applied", stats.Applied, "duplicates", stats.Duplicates, "actions", stats.Actions)
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
