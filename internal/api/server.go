package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/eu-tender-ingest/internal/classify"
	"github.com/JakeFAU/eu-tender-ingest/internal/config"
	"github.com/JakeFAU/eu-tender-ingest/internal/ingest"
	"github.com/JakeFAU/eu-tender-ingest/internal/metrics"
	"github.com/JakeFAU/eu-tender-ingest/internal/normalize"
	"github.com/JakeFAU/eu-tender-ingest/internal/registry"
	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// maxPageSize caps the limit parameter of tender listings.
const maxPageSize = 500

// Runner starts ingestion runs and reports on them.
type Runner interface {
	Start(ctx context.Context, opts ingest.RunOptions) (string, error)
	Get(ctx context.Context, runID string) (ingest.Summary, error)
	Active() (string, bool)
}

// Server wires HTTP handlers to the runner and the tender store.
type Server struct {
	router  chi.Router
	runner  Runner
	tenders tender.Store
	enabled map[tender.SourceID]bool
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, runner Runner, tenders tender.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:  runner,
		tenders: tenders,
		enabled: map[tender.SourceID]bool{},
		logger:  logger,
	}
	for _, id := range registry.ParseList(cfg.Ingest.EnabledSources) {
		s.enabled[id] = true
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/runs", s.startRun)
		r.Get("/runs/{run_id}", s.getRun)
		r.Get("/tenders", s.listTenders)
		r.Get("/tenders/{source_id}/{source_ref}", s.getTender)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the tender store answers a trivial query.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.tenders.Query(ctx, tender.Query{Limit: 1}); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type runRequest struct {
	Limits map[string]int `json:"limits"`
	Since  string         `json:"since"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts, err := s.toRunOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := s.runner.Start(r.Context(), opts)
	if errors.Is(err, ingest.ErrRunInProgress) {
		active, _ := s.runner.Active()
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "run_id": active})
		return
	}
	if err != nil {
		s.logger.Error("start run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":     runID,
		"status_url": "/v1/runs/" + runID,
	})
}

func (s *Server) toRunOptions(req runRequest) (ingest.RunOptions, error) {
	opts := ingest.RunOptions{Trigger: ingest.TriggerAPI}
	if len(req.Limits) > 0 {
		opts.Limits = make(map[tender.SourceID]int, len(req.Limits))
		for raw, limit := range req.Limits {
			id := tender.SourceID(strings.ToLower(strings.TrimSpace(raw)))
			if !s.enabled[id] {
				return opts, fmt.Errorf("source %q is not enabled", raw)
			}
			if limit <= 0 {
				return opts, fmt.Errorf("limit for %s must be > 0", id)
			}
			opts.Limits[id] = limit
		}
	}
	if req.Since != "" {
		since, err := time.Parse("2006-01-02", req.Since)
		if err != nil {
			return opts, fmt.Errorf("since must be YYYY-MM-DD")
		}
		opts.Since = &since
	}
	return opts, nil
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	sum, err := s.runner.Get(r.Context(), runID)
	if errors.Is(err, ingest.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) listTenders(w http.ResponseWriter, r *http.Request) {
	q, err := parseTenderQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.tenders.Query(r.Context(), q)
	if err != nil {
		s.logger.Error("query tenders", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query tenders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenders": out, "count": len(out)})
}

func (s *Server) getTender(w http.ResponseWriter, r *http.Request) {
	key := tender.Key{
		SourceID:  tender.SourceID(chi.URLParam(r, "source_id")),
		SourceRef: chi.URLParam(r, "source_ref"),
	}
	t, err := s.tenders.Get(r.Context(), key)
	if errors.Is(err, tender.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tender not found")
		return
	}
	if err != nil {
		s.logger.Error("get tender", zap.String("key", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load tender")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// parseTenderQuery maps query parameters onto a tender.Query. include accepts
// a comma-separated list of shadow, duplicates and all.
func parseTenderQuery(r *http.Request) (tender.Query, error) {
	v := r.URL.Query()
	var q tender.Query

	if c := v.Get("country"); c != "" {
		country, ok := normalize.ParseCountry(c)
		if !ok {
			return q, fmt.Errorf("country %q is not an ISO 3166-1 code", c)
		}
		q.Country = country
	}
	if c := v.Get("category"); c != "" {
		code, ok := classify.CanonicalCode(c)
		if !ok {
			return q, fmt.Errorf("category %q is not a CPV code", c)
		}
		q.Category = code
	}
	q.SourceID = tender.SourceID(strings.ToLower(v.Get("source")))

	for name, dst := range map[string]**time.Time{"since": &q.PublishedSince, "before": &q.PublishedBefore} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return q, fmt.Errorf("%s must be YYYY-MM-DD", name)
		}
		*dst = &d
	}

	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*dst = n
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}

	for _, inc := range strings.Split(v.Get("include"), ",") {
		switch strings.TrimSpace(inc) {
		case "":
		case "shadow":
			q.IncludeShadow = true
		case "duplicates":
			q.IncludeDuplicates = true
		case "all":
			q.IncludeShadow, q.IncludeDuplicates = true, true
		default:
			return q, fmt.Errorf("include %q is not one of shadow, duplicates, all", inc)
		}
	}
	return q, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
