package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/rs/cors"

	"galleryindex/pkg/mirror"
)

type mkArgs struct {
	Catalog string `arg:"positional,required" help:"YAML catalog of galleries and their tags"`
	Out     string `arg:"-o,--out" default:"mirror" help:"output directory"`
	Serve   string `arg:"-s,--serve" help:"serve the output directory on this address after building, e.g. :8081"`
}

func main() {
	var args mkArgs
	arg.MustParse(&args)

	cat, err := mirror.LoadCatalog(args.Catalog)
	if err != nil {
		log.Fatalf("Failed to load catalog: %v", err)
	}
	files, err := mirror.Build(cat)
	if err != nil {
		log.Fatalf("Build failed: %v", err)
	}
	if err := mirror.WriteDir(args.Out, files); err != nil {
		log.Fatalf("Write failed: %v", err)
	}

	var total uint64
	for _, content := range files {
		total += uint64(len(content))
	}
	log.Printf("[Mirror] %d galleries -> %d files (%s) in %s, version %s",
		len(cat.Galleries), len(files), humanize.Bytes(total), args.Out, cat.Version)

	if args.Serve == "" {
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// http.FileServer answers Range requests, which is all the index client needs
	srv := &http.Server{
		Addr:              args.Serve,
		Handler:           cors.Default().Handler(http.FileServer(http.Dir(args.Out))),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Printf("[Mirror] Serving %s on %s", args.Out, args.Serve)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Serve failed: %v", err)
	}
}
