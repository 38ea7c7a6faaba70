// Package main runs the Recent-Writes Ingestor: a long-lived process
// that keeps the speed layer warm by polling the document store for
// new resource versions and, optionally, consuming a Kafka topic of
// document-upsert events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/correlator-io/queryengine/internal/docstore"
	"github.com/correlator-io/queryengine/internal/ingestor"
	"github.com/correlator-io/queryengine/internal/recentwrites"
)

const (
	version = "1.0.0-dev"
	name    = "ingestor"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("ingestor: configuration error: %v", err)
	}

	pool, err := docstore.Open(cfg.docstoreConfig, logger)
	if err != nil {
		log.Fatalf("ingestor: failed to connect to document store: %v", err)
	}
	defer func() {
		_ = pool.Close()
	}()

	store := recentwrites.NewMemStore(cfg.ttl)
	defer func() {
		_ = store.Close()
	}()

	poller := ingestor.NewPoller(pool, store, logger, cfg.kinds, cfg.pollInterval, cfg.ttl)
	poller.Start()
	defer func() {
		_ = poller.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.kafkaBrokers != nil {
		consumer := ingestor.NewKafkaConsumer(ingestor.KafkaConsumerConfig{
			Brokers: cfg.kafkaBrokers,
			Topic:   cfg.kafkaTopic,
			GroupID: cfg.kafkaGroupID,
		}, store, logger, cfg.ttl)
		defer func() {
			_ = consumer.Close()
		}()

		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("ingestor: kafka consumer stopped", slog.Any("error", err))
			}
		}()
	}

	logger.Info("ingestor: running", slog.String("version", version), slog.Any("kinds", cfg.kinds))

	<-ctx.Done()

	logger.Info("ingestor: shutting down")
}

type config struct {
	docstoreConfig docstore.Config
	kinds          []string
	pollInterval   time.Duration
	ttl            time.Duration
	kafkaBrokers   []string
	kafkaTopic     string
	kafkaGroupID   string
}

func loadConfig() (config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return config{}, fmt.Errorf("DATABASE_URL cannot be empty")
	}

	kinds := splitOrDefault(os.Getenv("INGEST_RESOURCE_KINDS"), []string{"Patient", "Condition", "Observation"})

	pollInterval := ingestor.DefaultPollInterval
	if raw := os.Getenv("INGEST_POLL_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid INGEST_POLL_INTERVAL: %w", err)
		}

		pollInterval = parsed
	}

	ttl := ingestor.DefaultTTL
	if raw := os.Getenv("INGEST_CACHE_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid INGEST_CACHE_TTL: %w", err)
		}

		ttl = parsed
	}

	var kafkaBrokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		kafkaBrokers = strings.Split(raw, ",")
	}

	return config{
		docstoreConfig: docstore.NewConfig(databaseURL, 0, 0),
		kinds:          kinds,
		pollInterval:   pollInterval,
		ttl:            ttl,
		kafkaBrokers:   kafkaBrokers,
		kafkaTopic:     getEnvOrDefault("KAFKA_TOPIC", "fhir.resource.upserts"),
		kafkaGroupID:   getEnvOrDefault("KAFKA_GROUP_ID", "queryengine-ingestor"),
	}, nil
}

func splitOrDefault(raw string, fallback []string) []string {
	if raw == "" {
		return fallback
	}

	return strings.Split(raw, ",")
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}
