// Command ingest trains the visual database from the tracker's frame
// stream. It consumes envelopes from the frames topic, indexes sealed
// objects and publishes an event for every indexed object. Metrics and
// health are served on the metrics port.
//
// Usage:
//
//	go run ./cmd/ingest [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/visualdb"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		slog.Error("ingest failed", "error", err)
		os.Exit(apperrors.ExitCode(err))
	}
	slog.Info("ingest service stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New(nil)
	checker := health.NewChecker()

	client, err := storage.OpenExisting(ctx, cfg.Database, cfg.Postgres)
	if err != nil {
		return err
	}
	defer client.Close()
	checker.Register("storage", health.PingCheck(client, false))
	slog.Info("connected to storage", "driver", cfg.Database.Driver, "database", client.Path())

	var cache *visualdb.QueryCache
	if cfg.Redis.Enabled {
		rc, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, query cache disabled", "error", err)
		} else {
			defer rc.Close()
			checker.Register("redis", health.PingCheck(rc, true))
			cache = visualdb.NewQueryCache(rc, cfg.Redis.CacheTTL, client.Path(), m)
		}
	}

	db, err := visualdb.OpenStore(ctx, client, visualdb.Options{
		ImageCacheLen: cfg.Database.ImageCacheLen,
		Cache:         cache,
		Metrics:       m,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer, checker)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ObjectsIndexed)
	defer producer.Close()

	trainer := ingest.NewTrainer(db, producer, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Frames, ingest.HandleMessage(trainer))
	defer consumer.Close()

	slog.Info("ingest service ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.Frames,
		"group", cfg.Kafka.ConsumerGroup,
		"leaves", db.Tree().LeafCount(),
	)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("consuming frames: %w", err)
	}
	slog.Info("consumer stopped", "open_objects", trainer.OpenObjects())
	return nil
}
