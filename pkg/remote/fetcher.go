// Package remote fetches byte ranges of the hosted index, data and nozomi
// files over HTTP.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"galleryindex/pkg/common"
	"galleryindex/pkg/config"
	"galleryindex/pkg/monitor"
)

type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	base      *url.URL
	userAgent string
	referer   string
	stats     *monitor.WorkloadStats
}

// NewFetcher builds a fetcher for cfg.Domain. client may be nil.
func NewFetcher(cfg config.RemoteConfig, client *http.Client, stats *monitor.WorkloadStats) (*Fetcher, error) {
	base, err := url.Parse(cfg.Domain)
	if err != nil {
		return nil, errors.Wrapf(err, "remote: bad domain %q", cfg.Domain)
	}
	if base.Scheme == "" {
		base.Scheme = "https"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if stats == nil {
		stats = monitor.NewWorkloadStats()
	}
	f := &Fetcher{
		client:    client,
		base:      base,
		userAgent: cfg.UserAgent,
		referer:   cfg.Referer,
		stats:     stats,
	}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return f, nil
}

// URL resolves an object path against the configured domain.
func (f *Fetcher) URL(elem ...string) string {
	return f.base.JoinPath(elem...).String()
}

// Fetch downloads a whole object.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	body, _, err := f.do(ctx, rawURL, "")
	return body, err
}

// FetchRange downloads bytes [start, end] (inclusive) of an object. A server
// that ignores the Range header still yields only the requested window.
func (f *Fetcher) FetchRange(ctx context.Context, rawURL string, start, end uint64) ([]byte, error) {
	body, _, err := f.FetchRangeTotal(ctx, rawURL, start, end)
	return body, err
}

// FetchRangeTotal is FetchRange that also reports the full object size taken
// from Content-Range, or -1 when the server did not send one.
func (f *Fetcher) FetchRangeTotal(ctx context.Context, rawURL string, start, end uint64) ([]byte, int64, error) {
	if end < start {
		return nil, -1, errors.Wrapf(common.ErrRangeFetch, "empty range %d-%d", start, end)
	}
	body, resp, err := f.do(ctx, rawURL, fmt.Sprintf("bytes=%d-%d", start, end))
	if err != nil {
		return nil, -1, err
	}

	total := int64(-1)
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// the window starts past the end: "bytes */<size>"
		return nil, parseContentRangeTotal(resp.Header.Get("Content-Range")), nil
	}
	if resp.StatusCode == http.StatusOK {
		total = int64(len(body))
		if start >= uint64(len(body)) {
			return nil, total, nil
		}
		stop := end + 1
		if stop > uint64(len(body)) {
			stop = uint64(len(body))
		}
		body = body[start:stop]
	} else if cr := resp.Header.Get("Content-Range"); cr != "" {
		total = parseContentRangeTotal(cr)
	}
	return body, total, nil
}

func (f *Fetcher) do(ctx context.Context, rawURL, byteRange string) ([]byte, *http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, nil, f.fail(ctx, err, rawURL)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, f.fail(ctx, err, rawURL)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if f.referer != "" {
		req.Header.Set("Referer", f.referer)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, f.fail(ctx, err, rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && byteRange != "" {
		io.Copy(io.Discard, resp.Body)
		return nil, resp, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, nil, f.fail(ctx, errors.Errorf("status %s", resp.Status), rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, f.fail(ctx, err, rawURL)
	}
	f.stats.RecordFetch(len(body))
	return body, resp, nil
}

// fail classifies err. Cancellation is reported as the context error so
// callers never mistake it for a missing object.
func (f *Fetcher) fail(ctx context.Context, err error, rawURL string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	f.stats.RecordFetchError()
	return errors.Wrapf(common.ErrRangeFetch, "%s: %v", rawURL, err)
}

// parseContentRangeTotal extracts the size from "bytes 0-463/123456".
func parseContentRangeTotal(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return -1
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}
