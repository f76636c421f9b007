package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"galleryindex/pkg/api"
	"galleryindex/pkg/config"
	"galleryindex/pkg/core/search"
	"galleryindex/pkg/core/suggest"
	"galleryindex/pkg/monitor"
	"galleryindex/pkg/network"
	"galleryindex/pkg/query"
	"galleryindex/pkg/remote"
	"galleryindex/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: configs/galleryindex.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
	log.Println("Bye.")
}

func run(ctx context.Context, cfg *config.Config) error {
	stats := monitor.NewWorkloadStats()

	fetcher, err := remote.NewFetcher(cfg.Remote, &http.Client{Timeout: cfg.Remote.RequestTimeout}, stats)
	if err != nil {
		return err
	}
	versions := remote.NewVersions(fetcher, cfg.Remote.Versions)
	engine, err := search.NewEngine(fetcher, versions, cfg.Search.NodeCacheEntries, stats)
	if err != nil {
		return err
	}
	defer engine.Close()

	evaluator := query.NewEvaluator(engine, fetcher, cfg.Remote.NozomiPrefix, cfg.Search.MaxConcurrency, stats)
	suggester := suggest.NewService(engine)

	library, err := storage.OpenLibrary(filepath.Join(cfg.Storage.Path, "library.db"))
	if err != nil {
		return err
	}
	defer library.Close()

	log.Printf("Remote index at %s (nozomi prefix %q, %d concurrent sub-queries)",
		cfg.Remote.Domain, cfg.Remote.NozomiPrefix, cfg.Search.MaxConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(evaluator, suggester, library, stats).Start(gctx, cfg.Server.Addr)
	})
	g.Go(func() error {
		return network.NewTCPServer(library, cfg.Server.HandshakeTimeout, stats).Start(gctx, cfg.Server.TransferAddr)
	})
	return g.Wait()
}
