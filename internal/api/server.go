// Package api exposes the HTTP interface for the alert mirror service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hazardops/alertmirror/internal/alert"
	"github.com/hazardops/alertmirror/internal/config"
	"github.com/hazardops/alertmirror/internal/coordinator"
	"github.com/hazardops/alertmirror/internal/geo"
	"github.com/hazardops/alertmirror/internal/metrics"
	"github.com/hazardops/alertmirror/internal/planner"
	"github.com/hazardops/alertmirror/internal/store"
)

// Server wires HTTP handlers to the coordinator, planner and stores.
type Server struct {
	router  chi.Router
	feeds   store.FeedRepository
	crawls  store.CrawlRepository
	alerts  store.AlertRepository
	coord   *coordinator.Coordinator
	planner *planner.Planner
	clock   alert.Clock
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	feeds store.FeedRepository,
	crawls store.CrawlRepository,
	alerts store.AlertRepository,
	coord *coordinator.Coordinator,
	pl *planner.Planner,
	clock alert.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		feeds:   feeds,
		crawls:  crawls,
		alerts:  alerts,
		coord:   coord,
		planner: pl,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey, logger))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawl/advance", s.advanceCrawl)
		r.Route("/crawls", func(r chi.Router) {
			r.Get("/", s.listCrawls)
			r.Get("/{crawl_id}", s.getCrawl)
		})
		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", s.listFeeds)
			r.Post("/", s.upsertFeed)
			r.Delete("/", s.deleteFeed)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.queryAlerts)
			r.Get("/{document_id}", s.getAlert)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The crawl store backs every request path; one cheap read proves the
	// database is reachable.
	if _, err := s.crawls.ListCrawls(r.Context(), 1, 0); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) advanceCrawl(w http.ResponseWriter, r *http.Request) {
	crawl, err := s.coord.Advance(r.Context())
	if errors.Is(err, coordinator.ErrNoFeedsDue) {
		s.writeJSON(w, http.StatusOK, map[string]any{"advanced": false, "reason": "no feeds due"})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"advanced": true, "crawl": crawl})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	crawls, err := s.crawls.ListCrawls(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list crawls")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"crawls": crawls})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	crawlID := chi.URLParam(r, "crawl_id")
	crawl, err := s.crawls.GetCrawl(r.Context(), crawlID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "crawl not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load crawl")
		return
	}
	shards, err := s.crawls.ListShards(r.Context(), crawlID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load shards")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"crawl": crawl, "shards": shards})
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.feeds.ListFeeds(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list feeds")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds})
}

type feedRequest struct {
	URL           string `json:"url"`
	Enabled       *bool  `json:"enabled"`
	PeriodMinutes int    `json:"period_minutes"`
}

func (s *Server) upsertFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	feed := alert.Feed{
		URL:       req.URL,
		Enabled:   enabled,
		Period:    time.Duration(req.PeriodMinutes) * time.Minute,
		CreatedAt: s.clock.Now(),
	}
	if err := s.feeds.UpsertFeed(r.Context(), feed); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save feed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"feed": feed})
}

func (s *Server) deleteFeed(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	err := s.feeds.DeleteFeed(r.Context(), url)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "feed not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to delete feed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": url})
}

// filterAttrs are the query parameters forwarded to the planner as attribute
// predicates.
var filterAttrs = map[string]string{
	"category":  alert.AttrCategory,
	"severity":  alert.AttrSeverity,
	"urgency":   alert.AttrUrgency,
	"certainty": alert.AttrCertainty,
	"status":    alert.AttrStatus,
	"msg_type":  alert.AttrMsgType,
	"scope":     alert.AttrScope,
	"sender":    alert.AttrSender,
	"event":     alert.AttrEvent,
}

func (s *Server) queryAlerts(w http.ResponseWriter, r *http.Request) {
	spec, err := parseFilterSpec(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.planner.Execute(r.Context(), spec)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	resp := map[string]any{
		"alerts":    result.Docs,
		"truncated": result.Truncated,
	}
	if result.Truncated {
		resp["next_crawl_id"] = result.NextCrawlID
		resp["next_identifier"] = result.NextIdentifier
		var capErr *alert.CapacityError
		if errors.As(result.Err(), &capErr) {
			resp["warning"] = capErr.Error()
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "document_id")
	doc, err := s.alerts.GetDocument(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"alert": doc})
}

func parseFilterSpec(r *http.Request) (planner.FilterSpec, error) {
	q := r.URL.Query()
	spec := planner.FilterSpec{
		AllCrawls:       q.Get("all_crawls") == "true",
		AfterCrawlID:    q.Get("after_crawl_id"),
		AfterIdentifier: q.Get("after_identifier"),
	}
	for param, attr := range filterAttrs {
		if values := q[param]; len(values) > 0 {
			if spec.Attrs == nil {
				spec.Attrs = make(map[string][]string)
			}
			spec.Attrs[attr] = values
		}
	}
	if raw := q.Get("sent_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return planner.FilterSpec{}, fmt.Errorf("invalid sent_after: %w", err)
		}
		spec.SentAfter = &t
	}
	if raw := q.Get("sent_before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return planner.FilterSpec{}, fmt.Errorf("invalid sent_before: %w", err)
		}
		spec.SentBefore = &t
	}
	if raw := q.Get("bbox"); raw != "" {
		box, err := geo.ParseBoundingBox(raw)
		if err != nil {
			return planner.FilterSpec{}, fmt.Errorf("invalid bbox: %w", err)
		}
		spec.BBox = &box
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return planner.FilterSpec{}, errors.New("invalid limit")
		}
		spec.Limit = limit
	}
	return spec, nil
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			dur := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, dur)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", dur.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				logger.Warn("rejected request with bad api key", zap.String("path", r.URL.Path))
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
