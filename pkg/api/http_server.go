package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"galleryindex/pkg/common"
	"galleryindex/pkg/core/idset"
	"galleryindex/pkg/core/suggest"
	"galleryindex/pkg/monitor"
	"galleryindex/pkg/storage"
)

const (
	defaultLimit = 25
	maxLimit     = 1000
)

// Searcher evaluates free-text queries and pages raw nozomi lists.
type Searcher interface {
	Search(ctx context.Context, text string) (*idset.Set, error)
	Page(ctx context.Context, area, tag, language string, offset, limit int) ([]uint32, int, error)
}

type Suggester interface {
	Suggest(ctx context.Context, text string) ([]suggest.Suggestion, error)
}

type Server struct {
	searcher  Searcher
	suggester Suggester
	library   *storage.Library
	stats     *monitor.WorkloadStats

	httpServer *http.Server
}

func NewServer(searcher Searcher, suggester Suggester, library *storage.Library, stats *monitor.WorkloadStats) *Server {
	if stats == nil {
		stats = monitor.NewWorkloadStats()
	}
	return &Server{searcher: searcher, suggester: suggester, library: library, stats: stats}
}

// Handler routes every endpoint behind the CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/page", s.handlePage)
	mux.HandleFunc("/api/suggest", s.handleSuggest)
	mux.HandleFunc("/api/library", s.handleLibrary)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/metrics", s.handleMetrics)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	})
	return c.Handler(mux)
}

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Printf("[API] Server listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query().Get("q")
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil || limit <= 0 || limit > maxLimit {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	start := time.Now()
	ids, err := s.searcher.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":      q,
		"total":      ids.Len(),
		"ids":        nonNil(ids.Newest(limit)),
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := r.URL.Query()
	tag := params.Get("tag")
	if tag == "" {
		tag = "index"
	}
	lang := params.Get("lang")
	if lang == "" {
		lang = "all"
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		http.Error(w, "Invalid offset", http.StatusBadRequest)
		return
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil || limit <= 0 || limit > maxLimit {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	ids, total, err := s.searcher.Page(r.Context(), params.Get("area"), tag, lang, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"offset": offset,
		"total":  total,
		"ids":    nonNil(ids),
	})
}

type suggestionView struct {
	suggest.Suggestion
	Query string `json:"query"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := s.suggester.Suggest(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]suggestionView, len(list))
	for i, sg := range list {
		views[i] = suggestionView{Suggestion: sg, Query: sg.Query()}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": views})
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		http.Error(w, "Library disabled", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		kind := storage.Kind(r.URL.Query().Get("kind"))
		if !kind.Valid() {
			http.Error(w, "Invalid kind", http.StatusBadRequest)
			return
		}
		limit, err := intParam(r, "limit", 0)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		items, err := s.library.QueryBySource(r.Context(), kind, r.URL.Query().Get("source"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if items == nil {
			items = []storage.Item{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})

	case http.MethodPost:
		var it storage.Item
		if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
			http.Error(w, "Invalid body", http.StatusBadRequest)
			return
		}
		if !it.Kind.Valid() {
			http.Error(w, "Invalid kind", http.StatusBadRequest)
			return
		}
		if err := s.library.Insert(r.Context(), it); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)

	case http.MethodDelete:
		params := r.URL.Query()
		id, err := strconv.ParseInt(params.Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid id", http.StatusBadRequest)
			return
		}
		if err := s.library.Delete(r.Context(), storage.Kind(params.Get("kind")), params.Get("source"), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.stats.WritePrometheus(w)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func nonNil(ids []uint32) []uint32 {
	if ids == nil {
		return []uint32{}
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrQueryConstruction):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrVersion), errors.Is(err, common.ErrRangeFetch):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// the client went away
		return
	default:
		log.Printf("[API] Internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
