package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/elonfeng/apipulse/internal/collector"
	"github.com/elonfeng/apipulse/internal/store"
	"github.com/elonfeng/apipulse/pkg/source"
	"github.com/elonfeng/apipulse/pkg/trend"
)

const (
	defaultSessionLimit = 10
	defaultTrendDays    = 7
)

// Collector triggers an on-demand collection.
type Collector interface {
	Collect(ctx context.Context, st source.SourceType) (collector.Result, error)
	CollectAll(ctx context.Context, sources []source.SourceType) []collector.Result
}

// Server provides the HTTP API.
type Server struct {
	store     store.Store
	engine    *trend.Engine
	collector Collector
	port      int
	router    chi.Router
}

// New creates a new HTTP server. col may be nil, which disables POST /api/collect.
func New(s store.Store, engine *trend.Engine, col Collector, port int) *Server {
	if port == 0 {
		port = 8080
	}
	srv := &Server{
		store:     s,
		engine:    engine,
		collector: col,
		port:      port,
	}
	srv.router = srv.routes()
	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/collect", s.handleCollect)

		r.Route("/sources/{source}", func(r chi.Router) {
			r.Get("/sessions", s.handleSessions)
			r.Get("/latest", s.handleLatest)
			r.Get("/trend", s.handleTrend)
			r.Get("/compare", s.handleCompare)
			r.Get("/session/{id}", s.handleSessionItems)
			r.Get("/session/{id}/analysis", s.handleAnalysis)
		})
	})

	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("apipulse server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("apipulse server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStatistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	src, err := sourceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intQuery(r, "limit", defaultSessionLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	sessions, err := s.store.GetRecentSessions(r.Context(), src, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  sessions,
		"count": len(sessions),
	})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	src, err := sourceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.store.GetLatestSession(r.Context(), src)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	src, err := sourceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	days, err := intQuery(r, "days", defaultTrendDays)
	if err != nil {
		writeError(w, err)
		return
	}

	points, err := s.engine.Trend(r.Context(), src, days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  points,
		"count": len(points),
		"days":  days,
	})
}

func (s *Server) handleSessionItems(w http.ResponseWriter, r *http.Request) {
	src, err := sourceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	items, err := s.store.GetSessionItems(r.Context(), id, src)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"data":       items,
		"count":      len(items),
	})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	src, err := sourceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	analysis, err := s.engine.Analyze(r.Context(), src, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	src, err := sourceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	oldID, err := requiredIntQuery(r, "session_id1")
	if err != nil {
		writeError(w, err)
		return
	}
	newID, err := requiredIntQuery(r, "session_id2")
	if err != nil {
		writeError(w, err)
		return
	}

	cmp, err := s.engine.Compare(r.Context(), src, oldID, newID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

type collectResult struct {
	Source     source.SourceType `json:"source"`
	RunID      string            `json:"run_id"`
	SessionID  int64             `json:"session_id,omitempty"`
	Items      int               `json:"items"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
}

func toCollectResult(res collector.Result, err error) collectResult {
	out := collectResult{
		Source:     res.Source,
		RunID:      res.RunID,
		SessionID:  res.SessionID,
		Items:      res.Items,
		DurationMS: res.Duration.Milliseconds(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "collection is not enabled"})
		return
	}

	if name := r.URL.Query().Get("source"); name != "" {
		src, err := source.ParseSourceType(name)
		if err != nil {
			writeError(w, err)
			return
		}
		res, err := s.collector.Collect(r.Context(), src)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toCollectResult(res, nil))
		return
	}

	results := s.collector.CollectAll(r.Context(), nil)
	out := make([]collectResult, 0, len(results))
	for _, res := range results {
		out = append(out, toCollectResult(res, res.Err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  out,
		"count": len(out),
	})
}

func sourceParam(r *http.Request) (source.SourceType, error) {
	return source.ParseSourceType(chi.URLParam(r, "source"))
}

func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, badRequest("invalid session id %q", raw)
	}
	return id, nil
}

func intQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest("invalid %s %q", key, raw)
	}
	return v, nil
}

func requiredIntQuery(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, badRequest("%s is required", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", key, raw)
	}
	return v, nil
}

// errBadRequest marks malformed path or query parameters.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, source.ErrUnknownSource),
		errors.Is(err, store.ErrInvalidArgument),
		errors.Is(err, store.ErrEmptyBatch),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, trend.ErrSessionDataMissing):
		return http.StatusNotFound
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response")
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
