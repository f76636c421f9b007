// Package search walks the remote B-tree indexes.
package search

import (
	"context"
	"strconv"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"

	"galleryindex/pkg/common"
	"galleryindex/pkg/monitor"
	"galleryindex/pkg/storage/btindex"
)

const (
	FieldGalleries = "galleries"
	FieldLanguages = "languages"
	FieldNozomiURL = "nozomiurl"
	FieldGlobal    = "global"

	// a B=16 tree over any real index is far shallower than this; deeper
	// descents only happen on cyclic child pointers
	maxDepth = 32
)

// RangeFetcher is the subset of remote.Fetcher the engine needs.
type RangeFetcher interface {
	URL(elem ...string) string
	FetchRange(ctx context.Context, rawURL string, start, end uint64) ([]byte, error)
}

// VersionSource resolves the version token of an index directory.
type VersionSource interface {
	Get(ctx context.Context, dir string) (string, error)
}

type Engine struct {
	fetcher  RangeFetcher
	versions VersionSource
	cache    *ristretto.Cache[string, *btindex.Node]
	stats    *monitor.WorkloadStats
}

// NewEngine creates an engine. cacheEntries <= 0 disables the node cache.
func NewEngine(f RangeFetcher, v VersionSource, cacheEntries int, stats *monitor.WorkloadStats) (*Engine, error) {
	if stats == nil {
		stats = monitor.NewWorkloadStats()
	}
	e := &Engine{fetcher: f, versions: v, stats: stats}
	if cacheEntries > 0 {
		// cost is a node count, not bytes
		cache, err := ristretto.NewCache(&ristretto.Config[string, *btindex.Node]{
			NumCounters:        int64(cacheEntries) * 10,
			MaxCost:            int64(cacheEntries),
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, errors.Wrap(err, "search: node cache")
		}
		e.cache = cache
	}
	return e, nil
}

func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

// IndexDir maps a field to the directory holding its index family.
func IndexDir(field string) string {
	switch field {
	case FieldGalleries:
		return "galleriesindex"
	case FieldLanguages:
		return "languagesindex"
	case FieldNozomiURL:
		return "nozomiurlindex"
	default:
		return "tagindex"
	}
}

func validField(field string) bool {
	return field != "" && field != "." && field != ".." && !strings.ContainsAny(field, `/\?#`)
}

// fileURL builds <dir>/<field>.<version>.<ext>.
func (e *Engine) fileURL(ctx context.Context, field, ext string) (string, error) {
	dir := IndexDir(field)
	version, err := e.versions.Get(ctx, dir)
	if err != nil {
		return "", err
	}
	return e.fetcher.URL(dir, field+"."+version+"."+ext), nil
}

// Search looks key up in the index of field. A miss is (zero, false, nil).
// Fetch and decode failures are returned so the caller can decide whether
// to degrade; version failures are always fatal.
func (e *Engine) Search(ctx context.Context, field string, key common.SearchKey) (common.DataPointer, bool, error) {
	if !validField(field) {
		return common.DataPointer{}, false, nil
	}
	indexURL, err := e.fileURL(ctx, field, "index")
	if err != nil {
		return common.DataPointer{}, false, err
	}
	return e.descend(ctx, indexURL, key.Bytes(), 0, 0)
}

func (e *Engine) descend(ctx context.Context, indexURL string, key []byte, addr uint64, depth int) (common.DataPointer, bool, error) {
	if depth > maxDepth {
		return common.DataPointer{}, false, errors.Wrapf(common.ErrCorruptIndex, "descent deeper than %d at %d", maxDepth, addr)
	}
	node, err := e.node(ctx, indexURL, addr)
	if err != nil {
		return common.DataPointer{}, false, err
	}
	if len(node.Keys) == 0 {
		return common.DataPointer{}, false, nil
	}

	i, found := node.Locate(key)
	if found {
		return node.Datas[i], true, nil
	}
	if node.IsLeaf() {
		return common.DataPointer{}, false, nil
	}

	child := node.Children[i]
	if child == 0 {
		return common.DataPointer{}, false, errors.Wrapf(common.ErrCorruptIndex, "node %d: child %d points at the root", addr, i)
	}
	return e.descend(ctx, indexURL, key, child, depth+1)
}

// node returns the decoded node at addr, from the cache when possible. The
// URL embeds the version, so a republished index never reuses stale nodes.
func (e *Engine) node(ctx context.Context, indexURL string, addr uint64) (*btindex.Node, error) {
	cacheKey := indexURL + "@" + strconv.FormatUint(addr, 10)
	if e.cache != nil {
		if n, ok := e.cache.Get(cacheKey); ok {
			e.stats.RecordCacheHit()
			return n, nil
		}
		e.stats.RecordCacheMiss()
	}

	buf, err := e.fetcher.FetchRange(ctx, indexURL, addr, addr+btindex.MaxNodeSize-1)
	if err != nil {
		return nil, err
	}
	n, err := btindex.DecodeNode(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "%s@%d", indexURL, addr)
	}
	if e.cache != nil {
		e.cache.Set(cacheKey, n, 1)
	}
	return n, nil
}

// FetchData downloads the blob ptr refers to in the data file of field.
func (e *Engine) FetchData(ctx context.Context, field string, ptr common.DataPointer) ([]byte, error) {
	if ptr.Length <= 0 {
		return nil, errors.Wrapf(common.ErrCorruptData, "data length %d", ptr.Length)
	}
	if !validField(field) {
		return nil, errors.Wrapf(common.ErrCorruptData, "field %q", field)
	}
	dataURL, err := e.fileURL(ctx, field, "data")
	if err != nil {
		return nil, err
	}
	buf, err := e.fetcher.FetchRange(ctx, dataURL, ptr.Offset, ptr.Offset+uint64(ptr.Length)-1)
	if err != nil {
		return nil, err
	}
	if len(buf) != int(ptr.Length) {
		return nil, errors.Wrapf(common.ErrCorruptData, "wanted %d bytes at %d, got %d", ptr.Length, ptr.Offset, len(buf))
	}
	return buf, nil
}
