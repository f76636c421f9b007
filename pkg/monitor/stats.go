package monitor

import (
	"fmt"
	"io"
	"sync/atomic"
)

type WorkloadStats struct {
	Fetches        uint64
	FetchErrors    uint64
	FetchedBytes   uint64
	NodeCacheHits  uint64
	NodeCacheMiss  uint64
	Searches       uint64
	Degraded       uint64
	TransferPeers  int64
	TransferFrames uint64
}

func NewWorkloadStats() *WorkloadStats {
	return &WorkloadStats{}
}

func (ws *WorkloadStats) RecordFetch(n int) {
	atomic.AddUint64(&ws.Fetches, 1)
	atomic.AddUint64(&ws.FetchedBytes, uint64(n))
}

func (ws *WorkloadStats) RecordFetchError() {
	atomic.AddUint64(&ws.FetchErrors, 1)
}

func (ws *WorkloadStats) RecordCacheHit() {
	atomic.AddUint64(&ws.NodeCacheHits, 1)
}

func (ws *WorkloadStats) RecordCacheMiss() {
	atomic.AddUint64(&ws.NodeCacheMiss, 1)
}

func (ws *WorkloadStats) RecordSearch() {
	atomic.AddUint64(&ws.Searches, 1)
}

// RecordDegraded counts lookups that were turned into empty results.
func (ws *WorkloadStats) RecordDegraded() {
	atomic.AddUint64(&ws.Degraded, 1)
}

func (ws *WorkloadStats) PeerConnected() {
	atomic.AddInt64(&ws.TransferPeers, 1)
}

func (ws *WorkloadStats) PeerDisconnected() {
	atomic.AddInt64(&ws.TransferPeers, -1)
}

func (ws *WorkloadStats) RecordFrame() {
	atomic.AddUint64(&ws.TransferFrames, 1)
}

func (ws *WorkloadStats) GetCacheHitRatio() float64 {
	hits := atomic.LoadUint64(&ws.NodeCacheHits)
	miss := atomic.LoadUint64(&ws.NodeCacheMiss)

	if hits+miss == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+miss)
}

func (ws *WorkloadStats) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"fetches":         atomic.LoadUint64(&ws.Fetches),
		"fetch_errors":    atomic.LoadUint64(&ws.FetchErrors),
		"fetched_bytes":   atomic.LoadUint64(&ws.FetchedBytes),
		"node_cache_hits": atomic.LoadUint64(&ws.NodeCacheHits),
		"node_cache_miss": atomic.LoadUint64(&ws.NodeCacheMiss),
		"cache_hit_ratio": ws.GetCacheHitRatio(),
		"searches":        atomic.LoadUint64(&ws.Searches),
		"degraded":        atomic.LoadUint64(&ws.Degraded),
		"transfer_peers":  atomic.LoadInt64(&ws.TransferPeers),
		"transfer_frames": atomic.LoadUint64(&ws.TransferFrames),
	}
}

// WritePrometheus writes the counters in the Prometheus text format.
func (ws *WorkloadStats) WritePrometheus(w io.Writer) {
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	counter("galleryindex_fetches_total", "Remote range requests issued.", atomic.LoadUint64(&ws.Fetches))
	counter("galleryindex_fetch_errors_total", "Remote range requests that failed.", atomic.LoadUint64(&ws.FetchErrors))
	counter("galleryindex_fetched_bytes_total", "Bytes received from remote ranges.", atomic.LoadUint64(&ws.FetchedBytes))
	counter("galleryindex_node_cache_hits_total", "Index nodes served from cache.", atomic.LoadUint64(&ws.NodeCacheHits))
	counter("galleryindex_node_cache_misses_total", "Index nodes fetched remotely.", atomic.LoadUint64(&ws.NodeCacheMiss))
	counter("galleryindex_searches_total", "Query evaluations.", atomic.LoadUint64(&ws.Searches))
	counter("galleryindex_degraded_total", "Lookups degraded to empty results.", atomic.LoadUint64(&ws.Degraded))
	counter("galleryindex_transfer_frames_total", "Transfer protocol packets handled.", atomic.LoadUint64(&ws.TransferFrames))
	fmt.Fprintf(w, "# HELP galleryindex_transfer_peers Connected transfer peers.\n# TYPE galleryindex_transfer_peers gauge\ngalleryindex_transfer_peers %d\n",
		atomic.LoadInt64(&ws.TransferPeers))
	fmt.Fprintf(w, "# HELP galleryindex_cache_hit_ratio Node cache hit ratio.\n# TYPE galleryindex_cache_hit_ratio gauge\ngalleryindex_cache_hit_ratio %g\n",
		ws.GetCacheHitRatio())
}
