package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"

	"galleryindex/pkg/client"
)

type benchArgs struct {
	API         string   `arg:"--http" default:"http://localhost:8080" help:"HTTP API base URL"`
	Transfer    string   `arg:"--tcp" default:"localhost:12221" help:"transfer server address"`
	N           int      `arg:"-n" default:"200" help:"requests per run"`
	Concurrency int      `arg:"-c" default:"4" help:"concurrent HTTP workers"`
	Profile     string   `arg:"--profile" help:"write a cpu or mem profile of the run to the current directory"`
	Queries     []string `arg:"positional" help:"queries to cycle through (default: a small built-in mix)"`
}

var defaultQueries = []string{
	"language:korean",
	"female:glasses",
	"loli -female:anal",
	"full_color female:stockings -male:yaoi",
	"glasses|stockings language:japanese",
}

func main() {
	var args benchArgs
	p := arg.MustParse(&args)
	if len(args.Queries) == 0 {
		args.Queries = defaultQueries
	}
	if err := validate(args); err != nil {
		p.Fail(err.Error())
	}
	if err := run(args); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
}

func validate(args benchArgs) error {
	if args.N < 1 {
		return errors.Errorf("-n must be at least 1, got %d", args.N)
	}
	if args.Concurrency < 1 {
		return errors.Errorf("-c must be at least 1, got %d", args.Concurrency)
	}
	switch args.Profile {
	case "", "cpu", "mem":
		return nil
	default:
		return errors.Errorf("unknown profile %q (want cpu or mem)", args.Profile)
	}
}

// run owns the profiler so it is flushed on every return path.
func run(args benchArgs) error {
	switch args.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}
	ctx := context.Background()

	fmt.Printf("Gallery index benchmark (N=%d, workers=%d)\n", args.N, args.Concurrency)
	fmt.Printf("  HTTP=%s  TCP=%s\n", args.API, args.Transfer)
	fmt.Println("---------------------------------------------------")

	fmt.Println(">> Query latency over HTTP...")
	lat, bytesRead, err := runSearchBenchmark(ctx, args)
	if err != nil {
		return err
	}
	report(lat)
	fmt.Printf("   Read %s of responses\n\n", humanize.Bytes(bytesRead))

	fmt.Println(">> Transfer PING round trips...")
	lat, err = runPingBenchmark(ctx, args)
	if err != nil {
		return err
	}
	report(lat)
	fmt.Println("---------------------------------------------------")
	return nil
}

func runSearchBenchmark(ctx context.Context, args benchArgs) ([]time.Duration, uint64, error) {
	httpClient := &http.Client{
		Timeout: time.Minute,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 100,
		},
	}

	var (
		mu        sync.Mutex
		lat       = make([]time.Duration, 0, args.N)
		bytesRead uint64
	)
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan string)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < args.N; i++ {
			select {
			case jobs <- args.Queries[i%len(args.Queries)]:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < args.Concurrency; w++ {
		g.Go(func() error {
			for q := range jobs {
				start := time.Now()
				req, err := http.NewRequestWithContext(gctx, http.MethodGet, args.API+"/api/search?"+url.Values{"q": {q}}.Encode(), nil)
				if err != nil {
					return err
				}
				resp, err := httpClient.Do(req)
				if err != nil {
					return errors.Wrap(err, "HTTP request")
				}
				n, _ := io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return errors.Errorf("search %q: %s", q, resp.Status)
				}
				d := time.Since(start)

				mu.Lock()
				lat = append(lat, d)
				bytesRead += uint64(n)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return lat, bytesRead, nil
}

func runPingBenchmark(ctx context.Context, args benchArgs) ([]time.Duration, error) {
	c, err := client.Dial(ctx, args.Transfer, client.Options{HandshakeTimeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "TCP connect")
	}
	defer c.Close()

	lat := make([]time.Duration, 0, args.N)
	for i := 0; i < args.N; i++ {
		start := time.Now()
		if err := c.Ping(ctx); err != nil {
			return nil, errors.Wrap(err, "PING")
		}
		lat = append(lat, time.Since(start))
	}
	return lat, nil
}

func report(lat []time.Duration) {
	if len(lat) == 0 {
		fmt.Println("   no samples")
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	var total time.Duration
	for _, d := range lat {
		total += d
	}
	pct := func(p float64) time.Duration { return lat[int(p*float64(len(lat)-1))] }
	fmt.Printf("   %s requests | avg %v | p50 %v | p95 %v | p99 %v | max %v\n",
		humanize.Comma(int64(len(lat))), total/time.Duration(len(lat)), pct(0.50), pct(0.95), pct(0.99), lat[len(lat)-1])
}
