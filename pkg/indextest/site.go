// Package indextest serves a fake remote site over httptest so search,
// query and API tests can run against real range requests.
package indextest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"galleryindex/pkg/config"
	"galleryindex/pkg/core/nozomi"
	"galleryindex/pkg/storage/btindex"
)

type Site struct {
	Server *httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	failures map[string]int
	blocked  map[string]bool
	hits     map[string]int
	closing  chan struct{}
}

// NewSite starts a server that is closed when the test ends.
func NewSite(t testing.TB) *Site {
	s := &Site{
		files:    make(map[string][]byte),
		failures: make(map[string]int),
		blocked:  make(map[string]bool),
		hits:     make(map[string]int),
		closing:  make(chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	// runs before Server.Close so blocked handlers can return
	t.Cleanup(func() { close(s.closing) })
	return s
}

func (s *Site) serve(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/")

	s.mu.Lock()
	s.hits[p]++
	status, failing := s.failures[p]
	content, ok := s.files[p]
	block := s.blocked[p]
	s.mu.Unlock()

	if block {
		select {
		case <-r.Context().Done():
		case <-s.closing:
		}
		http.Error(w, "blocked", http.StatusServiceUnavailable)
		return
	}
	if failing {
		http.Error(w, "injected failure", status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	// ServeContent answers Range requests with 206 and Content-Range
	http.ServeContent(w, r, p, time.Time{}, bytes.NewReader(content))
}

// RemoteConfig points a client at this site with throttling disabled.
func (s *Site) RemoteConfig() config.RemoteConfig {
	cfg := config.Default().Remote
	cfg.Domain = s.Server.URL
	cfg.RateLimit = 0
	return cfg
}

func (s *Site) Put(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = content
}

func (s *Site) SetVersion(dir, version string) {
	s.Put(dir+"/version", []byte(version+"\n"))
}

// PutIndex builds b and publishes <dir>/<field>.<version>.index and .data.
func (s *Site) PutIndex(dir, field, version string, b *btindex.Builder) error {
	index, data, err := b.Build()
	if err != nil {
		return err
	}
	s.PutRawIndex(dir, field, version, index, data)
	return nil
}

func (s *Site) PutRawIndex(dir, field, version string, index, data []byte) {
	base := dir + "/" + field + "." + version
	s.Put(base+".index", index)
	s.Put(base+".data", data)
}

func (s *Site) PutNozomi(prefix, area, tag, language string, ids []uint32) {
	s.Put(nozomi.Path(prefix, area, tag, language), nozomi.Encode(ids))
}

// Fail makes every request for path answer with status.
func (s *Site) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = status
}

// Block holds every request for path until the client gives up or the
// test ends.
func (s *Site) Block(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[path] = true
}

func (s *Site) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}
