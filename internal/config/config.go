// Package config holds the explicit configuration records for every
// pipeline component. All tunables are environment-driven with compiled
// defaults; there is no string-keyed introspection anywhere on a hot path.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// CollectorConfig tunes the ingestion HTTP service.
type CollectorConfig struct {
	Port            string
	EventsTopic     string
	SpoolDir        string
	SpoolMaxAge     time.Duration
	SweepInterval   time.Duration
	RateLimitPerMin int
	RateLimitBurst  int
}

// BrokerConfig tunes the Kafka client.
type BrokerConfig struct {
	Brokers  []string
	ClientID string
}

// OutboxConfig tunes the CDC outbox reader.
type OutboxConfig struct {
	DatabaseURL  string
	ConsumerName string
	BatchSize    int
	PollInterval time.Duration
}

// IndexerConfig tunes the search indexing consumer.
type IndexerConfig struct {
	SearchURL     string
	Group         string
	BulkSize      int
	FlushInterval time.Duration
}

// LearnerStoreConfig tunes the learner-state cache and backend.
type LearnerStoreConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheSize     int
}

// RulesConfig carries every pedagogical threshold. Defaults match the
// platform's tuned values; operators override per environment.
type RulesConfig struct {
	LevelUpPerf         float64
	LevelDownPerf       float64
	StreakUp            int
	StreakDown          int
	MaxSessionMinutes   float64
	MinBreakIntervalMin float64
	LowEngagement       float64
	SELAlertsThreshold  int
}

// DispatchConfig tunes outbound action delivery.
type DispatchConfig struct {
	LearnerServiceURL      string
	NotificationServiceURL string
	MaxAttempts            int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	QueueSize              int
	Workers                int
	BreakerFailures        int
	BreakerCooldown        time.Duration
}

// OrchestratorConfig tunes the rules consumer loop.
type OrchestratorConfig struct {
	EventsTopic   string
	Group         string
	GraceShutdown time.Duration
}

// LoadCollector reads collector settings from the environment.
func LoadCollector() CollectorConfig {
	return CollectorConfig{
		Port:            str("PORT", "8080"),
		EventsTopic:     str("EVENTS_TOPIC", "events."+str("ENV", "dev")),
		SpoolDir:        str("SPOOL_DIR", "/var/spool/lumilearn"),
		SpoolMaxAge:     dur("SPOOL_MAX_AGE", 30*time.Minute),
		SweepInterval:   dur("SPOOL_SWEEP_INTERVAL", 5*time.Second),
		RateLimitPerMin: num("RATE_LIMIT_PER_MIN", 100),
		RateLimitBurst:  num("RATE_LIMIT_BURST", 10),
	}
}

// LoadBroker reads Kafka connection settings from the environment.
func LoadBroker() BrokerConfig {
	return BrokerConfig{
		Brokers:  strings.Split(str("KAFKA_BROKERS", "localhost:9092"), ","),
		ClientID: str("KAFKA_CLIENT_ID", "lumilearn-pipeline"),
	}
}

// LoadOutbox reads outbox reader settings from the environment.
func LoadOutbox() OutboxConfig {
	return OutboxConfig{
		DatabaseURL:  str("DATABASE_URL", "postgres://localhost/lumilearn?sslmode=disable"),
		ConsumerName: str("OUTBOX_CONSUMER_NAME", "cdc-reader"),
		BatchSize:    num("OUTBOX_BATCH_SIZE", 100),
		PollInterval: dur("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
	}
}

// LoadIndexer reads search indexing settings from the environment.
func LoadIndexer() IndexerConfig {
	return IndexerConfig{
		SearchURL:     str("SEARCH_URL", "http://localhost:9200"),
		Group:         str("INDEXER_GROUP", "search-indexer"),
		BulkSize:      num("INDEXER_BULK_SIZE", 200),
		FlushInterval: dur("INDEXER_FLUSH_INTERVAL", 2*time.Second),
	}
}

// LoadLearnerStore reads learner-state store settings from the environment.
func LoadLearnerStore() LearnerStoreConfig {
	return LearnerStoreConfig{
		RedisAddr:     str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: str("REDIS_PASSWORD", ""),
		RedisDB:       num("REDIS_DB", 0),
		CacheSize:     num("LEARNER_CACHE_SIZE", 10000),
	}
}

// LoadRules reads the pedagogical thresholds from the environment.
func LoadRules() RulesConfig {
	return RulesConfig{
		LevelUpPerf:         flt("LEVEL_UP_PERF", 0.85),
		LevelDownPerf:       flt("LEVEL_DOWN_PERF", 0.35),
		StreakUp:            num("STREAK_UP", 5),
		StreakDown:          num("STREAK_DOWN", 3),
		MaxSessionMinutes:   flt("MAX_SESSION_MIN", 25),
		MinBreakIntervalMin: flt("MIN_BREAK_INTERVAL_MIN", 15),
		LowEngagement:       flt("LOW_ENGAGEMENT", 0.30),
		SELAlertsThreshold:  num("SEL_ALERTS_THRESHOLD", 2),
	}
}

// LoadDispatch reads action delivery settings from the environment.
func LoadDispatch() DispatchConfig {
	return DispatchConfig{
		LearnerServiceURL:      str("LEARNER_SERVICE_URL", "http://learner-service:8080"),
		NotificationServiceURL: str("NOTIFICATION_SERVICE_URL", "http://notification-service:8080"),
		MaxAttempts:            num("DISPATCH_MAX_ATTEMPTS", 6),
		InitialBackoff:         dur("DISPATCH_INITIAL_BACKOFF", 100*time.Millisecond),
		MaxBackoff:             dur("DISPATCH_MAX_BACKOFF", 30*time.Second),
		QueueSize:              num("DISPATCH_QUEUE_SIZE", 1000),
		Workers:                num("DISPATCH_WORKERS", 4),
		BreakerFailures:        num("DISPATCH_BREAKER_FAILURES", 5),
		BreakerCooldown:        dur("DISPATCH_BREAKER_COOLDOWN", 30*time.Second),
	}
}

// LoadOrchestrator reads consumer loop settings from the environment.
func LoadOrchestrator() OrchestratorConfig {
	return OrchestratorConfig{
		EventsTopic:   str("EVENTS_TOPIC", "events."+str("ENV", "dev")),
		Group:         str("ORCHESTRATOR_GROUP", "orchestration-engine"),
		GraceShutdown: dur("GRACE_SHUTDOWN", 30*time.Second),
	}
}

func str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func num(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func flt(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func dur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
