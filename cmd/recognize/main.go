// Command recognize quantizes the descriptors of one query file and prints
// the best matching indexed objects as JSON, one per line.
//
// Usage:
//
//	go run ./cmd/recognize [-config configs/development.yaml] [-m idf-normalized] [-n 10] [-flush-cache] query.dat
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/index"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/visualdb"
	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/vocabtree"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/logger"
	pkgredis "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/tracing"
)

type result struct {
	Rank   int     `json:"rank"`
	Object int64   `json:"object_id"`
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Image  int64   `json:"representative_image,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	modeName := flag.String("m", "", "scoring mode: frequency, normalized-frequency, idf, idf-normalized")
	limit := flag.Int("n", 0, "maximum number of matches")
	flushCache := flag.Bool("flush-cache", false, "drop cached rankings of this database before querying")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: recognize [flags] query-descriptors")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *modeName != "" {
		cfg.Query.Mode = *modeName
	}
	if *limit > 0 {
		cfg.Query.MaxResults = *limit
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, flag.Arg(0), *flushCache); err != nil {
		slog.Error("recognize failed", "error", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func run(ctx context.Context, cfg *config.Config, queryFile string, flushCache bool) error {
	mode, err := index.ParseMode(cfg.Query.Mode)
	if err != nil {
		return err
	}

	client, err := storage.OpenExisting(ctx, cfg.Database, cfg.Postgres)
	if err != nil {
		return err
	}
	defer client.Close()

	opts := visualdb.Options{ImageCacheLen: cfg.Database.ImageCacheLen}
	if cfg.Redis.Enabled {
		rc, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, query cache disabled", "error", err)
		} else {
			defer rc.Close()
			opts.Cache = visualdb.NewQueryCache(rc, cfg.Redis.CacheTTL, client.Path(), nil)
			if flushCache {
				if err := opts.Cache.Invalidate(ctx); err != nil {
					slog.Warn("query cache not flushed", "error", err)
				}
			}
		}
	}
	db, err := visualdb.OpenStore(ctx, client, opts)
	if err != nil {
		return err
	}

	corpus, err := vocabtree.OpenCorpusFile(queryFile, db.Tree().Dim())
	if err != nil {
		return err
	}
	defer corpus.Close()
	ctx, span := tracing.NewTrace(ctx, "recognize")
	defer func() {
		span.End()
		span.Log(slog.Default())
	}()
	_, quantizeSpan := tracing.Start(ctx, "vocabtree.quantize")
	h := index.NewHistogram()
	for i := 0; i < corpus.Len(); i++ {
		w, err := db.Tree().QuantizeChecked(corpus.At(i))
		if err != nil {
			return err
		}
		h.Add(w, 1)
	}
	quantizeSpan.SetAttr("descriptors", corpus.Len())
	quantizeSpan.End()

	matches, err := db.QueryTop(ctx, h, mode, cfg.Query.MaxResults)
	if err != nil {
		return err
	}
	slog.Info("query answered", "descriptors", corpus.Len(), "words", h.Len(), "mode", mode.String(), "matches", len(matches))

	enc := json.NewEncoder(os.Stdout)
	for i, m := range matches {
		if err := enc.Encode(result{
			Rank:   i + 1,
			Object: int64(m.Object.ID()),
			Name:   m.Object.Name(),
			Score:  m.Score,
			Image:  int64(m.Object.RepresentativeImage()),
		}); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}
	return nil
}
