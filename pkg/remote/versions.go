package remote

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"galleryindex/pkg/common"
)

// Getter downloads a whole object.
type Getter interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Versions resolves and memoizes the version token of each index
// directory. Tokens never expire; a new Versions picks up a republished
// index.
type Versions struct {
	getter   Getter
	urlFor   func(elem ...string) string
	resolved *xsync.MapOf[string, string]
	inflight singleflight.Group
	now      func() time.Time
}

// NewVersions serves tokens for the fetcher's domain. pinned tokens are
// returned without any request.
func NewVersions(f *Fetcher, pinned map[string]string) *Versions {
	return newVersions(f, f.URL, pinned)
}

func newVersions(g Getter, urlFor func(elem ...string) string, pinned map[string]string) *Versions {
	v := &Versions{
		getter:   g,
		urlFor:   urlFor,
		resolved: xsync.NewMapOf[string, string](),
		now:      time.Now,
	}
	for dir, token := range pinned {
		v.resolved.Store(dir, token)
	}
	return v
}

// Get returns the version token for an index directory such as
// "galleriesindex". Concurrent first callers share one request.
func (v *Versions) Get(ctx context.Context, dir string) (string, error) {
	if token, ok := v.resolved.Load(dir); ok {
		return token, nil
	}

	ch := v.inflight.DoChan(dir, func() (interface{}, error) {
		if token, ok := v.resolved.Load(dir); ok {
			return token, nil
		}
		// the request is shared, so one caller giving up must not fail the rest
		fetchCtx := context.WithoutCancel(ctx)
		u := v.urlFor(dir, "version") + "?_=" + strconv.FormatInt(v.now().UnixMilli(), 10)
		body, err := v.getter.Fetch(fetchCtx, u)
		if err != nil {
			return "", errors.Wrapf(common.ErrVersion, "%s: %v", dir, err)
		}
		token := strings.TrimSpace(string(body))
		if token == "" {
			return "", errors.Wrapf(common.ErrVersion, "%s: empty version", dir)
		}
		v.resolved.Store(dir, token)
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}
