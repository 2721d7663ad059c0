// Package server exposes the scan history as a read-only JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/patchverify/patchverify/pkg/history"
	"github.com/patchverify/patchverify/pkg/metrics"
	"github.com/patchverify/patchverify/pkg/types"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

var now = time.Now

type Server struct {
	r       *chi.Mux
	store   history.Store
	metrics *metrics.Metrics
}

// NewServer builds the router. m may be nil, in which case /metrics is not served.
func NewServer(store history.Store, m *metrics.Metrics) *Server {
	s := &Server{r: chi.NewRouter(), store: store, metrics: m}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.r.Use(requestLogger)
	if m != nil {
		s.r.Use(m.Middleware(routePattern))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })

	s.r.Route("/api", func(r chi.Router) {
		r.Get("/history", s.getHistory)
		r.Get("/scan/{id}", s.getScan)
		r.Get("/stats", s.getStats)
	})

	if s.metrics != nil {
		s.r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
}

func (s *Server) Handler() http.Handler { return s.r }

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("serving history API on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down history API")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	reports, err := s.store.Query(r.Context(), filter)
	if err != nil {
		log.Errorf("history query failed: %v", err)
		writeError(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if reports == nil {
		reports = []*types.ScanReport{}
	}
	writeJSON(w, reports, http.StatusOK)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, "scan not found", http.StatusNotFound)
		return
	case err != nil:
		log.Errorf("loading scan %s failed: %v", id, err)
		writeError(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, report, http.StatusOK)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		log.Errorf("history stats failed: %v", err)
		writeError(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats, http.StatusOK)
}

// parseFilter reads ecosystem, package, category, since and limit. since
// accepts an RFC 3339 time or a duration back from now ("24h").
func parseFilter(r *http.Request) (history.Filter, error) {
	q := r.URL.Query()
	filter := history.Filter{
		Ecosystem: q.Get("ecosystem"),
		Package:   q.Get("package"),
		Category:  types.RiskCategory(q.Get("category")),
		Limit:     defaultLimit,
	}
	if filter.Category != "" && filter.Category.Rank() < 0 {
		return filter, fmt.Errorf("unknown category %q", filter.Category)
	}
	if v := q.Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			filter.Since = now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		} else {
			return filter, fmt.Errorf("invalid since %q: want RFC 3339 time or duration", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = min(n, maxLimit)
	}
	return filter, nil
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
			"request":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, map[string]string{"error": msg}, code)
}
