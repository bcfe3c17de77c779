package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lumilearn/backend/internal/access"
	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/indexer"
	"github.com/lumilearn/backend/internal/outbox"
	"github.com/lumilearn/backend/internal/search"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	outboxCfg := config.LoadOutbox()
	indexerCfg := config.LoadIndexer()
	brokerCfg := config.LoadBroker()

	kcfg := broker.DefaultKafkaConfig(brokerCfg.Brokers)
	kcfg.ClientID = brokerCfg.ClientID
	client, err := broker.NewKafkaClient(kcfg)
	if err != nil {
		slog.Error("kafka client init failed", "brokers", brokerCfg.Brokers, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	store, err := outbox.NewStore(outboxCfg.DatabaseURL)
	if err != nil {
		slog.Error("outbox store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), indexerCfg.FlushInterval*10)
	if err := store.EnsureSchema(bootCtx); err != nil {
		cancelBoot()
		slog.Error("outbox schema bootstrap failed", "error", err)
		os.Exit(1)
	}
	cancelBoot()

	engine, err := search.NewESClient(indexerCfg.SearchURL)
	if err != nil {
		slog.Error("search client init failed", "url", indexerCfg.SearchURL, "error", err)
		os.Exit(1)
	}

	policy := access.DefaultPolicy()
	if path := os.Getenv("ACCESS_POLICY_FILE"); path != "" {
		policy, err = access.LoadPolicy(path)
		if err != nil {
			slog.Error("access policy load failed", "path", path, "error", err)
			os.Exit(1)
		}
	}

	reader := outbox.NewReader(outboxCfg, store, client)
	ix := indexer.New(indexerCfg, client, engine, policy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reader.Run(gctx) })
	g.Go(func() error { return ix.Run(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("indexer service terminated", "error", err)
		os.Exit(1)
	}

	stats := ix.Snapshot()
	slog.Info("indexer stopped cleanly",
		"indexed", stats.Indexed, "deleted", stats.Deleted,
		"skipped", stats.Skipped, "failed", stats.Failed)
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
