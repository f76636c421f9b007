package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"galleryindex/pkg/core/nozomi"
	"galleryindex/pkg/core/search"
	"galleryindex/pkg/core/suggest"
	"galleryindex/pkg/indextest"
	"galleryindex/pkg/monitor"
	"galleryindex/pkg/query"
	"galleryindex/pkg/remote"
	"galleryindex/pkg/storage"
	"galleryindex/pkg/storage/btindex"
)

func newTestServer(t *testing.T) (http.Handler, *indextest.Site) {
	t.Helper()
	site := indextest.NewSite(t)

	galleries := btindex.NewBuilder()
	galleries.AddTerm("loli", nozomi.EncodeGalleries([]uint32{1, 2, 3}))
	galleries.AddTerm("glasses", nozomi.EncodeGalleries([]uint32{2, 3}))
	site.SetVersion("galleriesindex", "7")
	if err := site.PutIndex("galleriesindex", search.FieldGalleries, "7", galleries); err != nil {
		t.Fatal(err)
	}

	tags := btindex.NewBuilder()
	tags.AddTerm("lo", suggest.Encode([]suggest.Suggestion{
		{Namespace: "tag", Tag: "loli", Count: 900},
		{Namespace: "female", Tag: "long hair", Count: 40},
	}))
	site.SetVersion("tagindex", "3")
	if err := site.PutIndex("tagindex", search.FieldGlobal, "3", tags); err != nil {
		t.Fatal(err)
	}
	site.PutNozomi("n", "", "index", "all", []uint32{1, 2, 3, 4})

	stats := monitor.NewWorkloadStats()
	f, err := remote.NewFetcher(site.RemoteConfig(), nil, stats)
	if err != nil {
		t.Fatal(err)
	}
	engine, err := search.NewEngine(f, remote.NewVersions(f, nil), 64, stats)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)

	lib, err := storage.OpenLibrary(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { lib.Close() })

	s := NewServer(query.NewEvaluator(engine, f, "n", 4, stats), suggest.NewService(engine), lib, stats)
	return s.Handler(), site
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleSearch(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/api/search?q=loli+-glasses", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Total int      `json:"total"`
		IDs   []uint32 `json:"ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || len(resp.IDs) != 1 || resp.IDs[0] != 1 {
		t.Errorf("unexpected result %+v", resp)
	}

	rec = do(t, h, http.MethodGet, "/api/search?q=loli&limit=2", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 || len(resp.IDs) != 2 || resp.IDs[0] != 3 || resp.IDs[1] != 2 {
		t.Errorf("expected newest two of three, got %+v", resp)
	}
}

func TestHandleSearchErrors(t *testing.T) {
	h, site := newTestServer(t)

	if rec := do(t, h, http.MethodGet, "/api/search?q=female:", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete term: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/search?q=loli&limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/search?q=loli", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected 405, got %d", rec.Code)
	}

	site.Fail("galleriesindex/version", http.StatusServiceUnavailable)
	if rec := do(t, h, http.MethodGet, "/api/search?q=loli", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("version failure: expected 502, got %d", rec.Code)
	}
}

func TestHandlePage(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/api/page?offset=1&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Total int      `json:"total"`
		IDs   []uint32 `json:"ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 4 || len(resp.IDs) != 2 || resp.IDs[0] != 2 || resp.IDs[1] != 3 {
		t.Errorf("unexpected page %+v", resp)
	}

	rec = do(t, h, http.MethodGet, "/api/page?offset=100&limit=2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("past the end: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	resp.IDs = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 4 || len(resp.IDs) != 0 {
		t.Errorf("past the end: unexpected page %+v", resp)
	}

	if rec := do(t, h, http.MethodGet, "/api/page?offset=9223372036854775807&limit=2", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("huge offset: expected 400, got %d", rec.Code)
	}
}

func TestHandleSuggest(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/api/suggest?q=lo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Suggestions []struct {
			Namespace string `json:"namespace"`
			Tag       string `json:"tag"`
			Count     int32  `json:"count"`
			Query     string `json:"query"`
		} `json:"suggestions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Suggestions) != 2 {
		t.Fatalf("expected 2 suggestions, got %+v", resp)
	}
	if resp.Suggestions[1].Query != "female:long_hair" || resp.Suggestions[0].Count != 900 {
		t.Errorf("unexpected suggestions %+v", resp.Suggestions)
	}

	rec = do(t, h, http.MethodGet, "/api/suggest?q=zzz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"suggestions":[]`) {
		t.Errorf("miss: got %d %s", rec.Code, rec.Body)
	}
}

func TestHandleLibrary(t *testing.T) {
	h, _ := newTestServer(t)

	body := []byte(`{"kind":"favorite","source":"hitomi","item_id":1011}`)
	if rec := do(t, h, http.MethodPost, "/api/library", body); rec.Code != http.StatusCreated {
		t.Fatalf("POST: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/api/library", []byte(`{"kind":"wishlist"}`)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind: expected 400, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/api/library?kind=favorite", nil)
	var resp struct {
		Items []storage.Item `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ItemID != 1011 {
		t.Fatalf("unexpected items %+v", resp.Items)
	}

	if rec := do(t, h, http.MethodDelete, "/api/library?kind=favorite&source=hitomi&id=1011", nil); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE: expected 204, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/library?kind=favorite&source=hitomi&id=1011", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE: expected 404, got %d", rec.Code)
	}
}

func TestHandleMetricsExposesPrometheusFormat(t *testing.T) {
	h, _ := newTestServer(t)
	do(t, h, http.MethodGet, "/api/search?q=loli", nil)

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	want := []string{
		"galleryindex_fetches_total",
		"galleryindex_node_cache_misses_total",
		"galleryindex_searches_total 1",
		"galleryindex_transfer_peers",
		"galleryindex_cache_hit_ratio",
	}
	for _, metric := range want {
		if !strings.Contains(body, metric) {
			t.Errorf("missing %q in:\n%s", metric, body)
		}
	}

	rec = do(t, h, http.MethodGet, "/api/stats", nil)
	var stats map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["searches"] != float64(1) {
		t.Errorf("searches = %v", stats["searches"])
	}
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/library", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestStartStopsWithContext(t *testing.T) {
	s := NewServer(nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start returned %v", err)
	}
}
