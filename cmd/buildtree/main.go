// Command buildtree trains a vocabulary tree from a descriptor file and
// stores it as a tree file, in the visual database, or both.
//
// Usage:
//
//	go run ./cmd/buildtree [-config configs/development.yaml] -d descriptors.dat -t tree.vt -v visual.db
//	go run ./cmd/buildtree -t tree.vt -v visual.db -C
//
// With -C no training happens: the tree file is loaded and written into
// the database.
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

	"github.com/Adithya-Monish-Kumar-K/visual-search/internal/vocabtree"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/visual-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/visual-search/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	descriptors := flag.String("d", "", "descriptor file to train from")
	treeFile := flag.String("t", "", "tree file to write (or read with -C)")
	database := flag.String("v", "", "visual database to store the tree in")
	maxLevel := flag.Int("r", -1, "maximum tree depth")
	minElem := flag.Int("e", -1, "minimum descriptors per child to keep splitting")
	stop := flag.Int("s", -1, "read at most this many descriptors")
	branching := flag.Int("k", 0, "branching factor")
	convert := flag.Bool("C", false, "convert an existing tree file into the database")
	flag.Parse()

	// The database is only written when -v, the config file or
	// VS_DATABASE_PATH names one.
	base := config.Default()
	base.Database.Path = ""
	cfg, err := config.LoadOver(*configPath, base)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	overrideString(&cfg.Tree.DescriptorFile, *descriptors)
	overrideString(&cfg.Tree.TreeFile, *treeFile)
	overrideString(&cfg.Database.Path, *database)
	overrideInt(&cfg.Tree.MaxLevel, *maxLevel, -1)
	overrideInt(&cfg.Tree.MinElem, *minElem, -1)
	overrideInt(&cfg.Tree.Stop, *stop, -1)
	overrideInt(&cfg.Tree.Branching, *branching, 0)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(apperrors.ExitCode(apperrors.New(apperrors.ErrInvalidInput, "", err.Error())))
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if *convert {
		err = convertTree(ctx, cfg)
	} else {
		err = build(ctx, cfg)
	}
	if err != nil {
		slog.Error("buildtree failed", "error", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, v, unset int) {
	if v != unset {
		*dst = v
	}
}

func build(ctx context.Context, cfg *config.Config) error {
	corpus, err := vocabtree.OpenCorpusFile(cfg.Tree.DescriptorFile, cfg.Tree.DescriptorDim)
	if err != nil {
		return err
	}
	defer corpus.Close()
	slog.Info("training vocabulary tree",
		"descriptors", corpus.Len(),
		"dim", corpus.Dim(),
		"branching", cfg.Tree.Branching,
		"max_level", cfg.Tree.MaxLevel,
		"min_elem", cfg.Tree.MinElem,
		"stop", cfg.Tree.Stop,
	)

	start := time.Now()
	tree, err := vocabtree.BuildFromData(ctx, corpus, vocabtree.BuildOptions{
		Branching:   cfg.Tree.Branching,
		MaxLevel:    cfg.Tree.MaxLevel,
		MinElem:     cfg.Tree.MinElem,
		Stop:        cfg.Tree.Stop,
		Iterations:  cfg.Tree.Iterations,
		Parallelism: cfg.Tree.Parallelism,
		Metrics:     metrics.New(nil),
	})
	if err != nil {
		return err
	}
	slog.Info("tree trained",
		"nodes", tree.NodeCount(),
		"leaves", tree.LeafCount(),
		"height", tree.Height(),
		"duration", time.Since(start),
	)

	if cfg.Tree.TreeFile != "" {
		if err := tree.Save(cfg.Tree.TreeFile); err != nil {
			return err
		}
		slog.Info("tree file written", "path", cfg.Tree.TreeFile)
	}
	return storeTree(ctx, cfg, tree)
}

func convertTree(ctx context.Context, cfg *config.Config) error {
	if cfg.Tree.TreeFile == "" {
		return apperrors.New(apperrors.ErrInvalidInput, "buildtree", "-C needs a tree file (-t)")
	}
	tree, err := vocabtree.Load(cfg.Tree.TreeFile)
	if err != nil {
		return err
	}
	slog.Info("tree file loaded", "path", cfg.Tree.TreeFile, "leaves", tree.LeafCount())
	return storeTree(ctx, cfg, tree)
}

func storeTree(ctx context.Context, cfg *config.Config, tree *vocabtree.Tree) error {
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		return nil
	}
	client, err := storage.Open(ctx, cfg.Database, cfg.Postgres)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := tree.SaveToStore(ctx, client); err != nil {
		return err
	}
	slog.Info("tree stored in database", "driver", cfg.Database.Driver, "database", client.Path())
	return nil
}
