package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/cache"
	"github.com/ceapsi/staffcast/internal/config"
	"github.com/ceapsi/staffcast/internal/export"
	"github.com/ceapsi/staffcast/internal/freshness"
	"github.com/ceapsi/staffcast/internal/ingest"
	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/pipeline"
	"github.com/ceapsi/staffcast/internal/store"
)

// maxUpload bounds request bodies carrying input files.
const maxUpload = 32 << 20

type Server struct {
	engine    *pipeline.Engine
	cfg       config.Config
	loc       *time.Location
	cache     *cache.ForecastCache
	scheduler *pipeline.Scheduler
	limiter   *rate.Limiter
	logger    *logging.Logger
	metrics   prometheus.Gatherer
	now       func() time.Time

	// runMu serialises full pipeline runs.
	runMu sync.Mutex

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Handle("/pipeline/run", s.limited(s.handleRun)).Methods(http.MethodPost)
	v1.Handle("/forecast", s.limited(s.handleForecast)).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/runs/latest", s.handleLatest).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) limited(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "10")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	})
}

// runRequest is the body of POST /v1/pipeline/run. Empty fields use the
// configured defaults. Input names a file relative to paths.data_dir.
type runRequest struct {
	Input   string `json:"input"`
	Force   bool   `json:"force"`
	Horizon int    `json:"horizon"`
}

type runResponse struct {
	*pipeline.Result
	Summary  *export.Summary  `json:"resumen_ejecutivo,omitempty"`
	Metadata *export.Metadata `json:"metadata,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}
	path, err := s.resolveInput(req.Input)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.runMu.TryLock() {
		http.Error(w, "a pipeline run is already in progress", http.StatusConflict)
		return
	}
	defer s.runMu.Unlock()

	ds, err := s.loadInput(req.Input, path)
	if err != nil {
		s.logger.Warn("run request: %v", err)
		http.Error(w, inputError(err), http.StatusUnprocessableEntity)
		return
	}
	rc := pipeline.NewRunContext(s.now().In(s.loc), path, req.Horizon)
	rc.Force = req.Force

	res, err := s.engine.Runner.RunFull(r.Context(), rc, ds)
	if res.Retrained {
		s.cache.Purge()
	}
	resp := runResponse{Result: res}
	if res.Bundle != nil {
		resp.Summary, resp.Metadata = &res.Bundle.Summary, &res.Bundle.Metadata
	}
	writeJSON(w, statusFor(err), resp)
}

// resolveInput maps the input named by a run request to a path. Without
// paths.data_dir only the configured input can be run.
func (s *Server) resolveInput(name string) (string, error) {
	if name == "" {
		if s.cfg.Paths.Input == "" {
			return "", errors.New("no input configured")
		}
		return s.cfg.Paths.Input, nil
	}
	if s.cfg.Paths.DataDir == "" {
		return "", errors.New("input selection is disabled (paths.data_dir not set)")
	}
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("input %q must be a relative path inside the data directory", name)
	}
	return filepath.Join(s.cfg.Paths.DataDir, name), nil
}

// loadInput reads the configured input, or name through an os.Root on the
// data directory so symlinks cannot leave it.
func (s *Server) loadInput(name, path string) (ingest.Dataset, error) {
	if name == "" {
		return ingest.LoadFile(path, s.loc)
	}
	root, err := os.OpenRoot(s.cfg.Paths.DataDir)
	if err != nil {
		return ingest.Dataset{}, err
	}
	defer root.Close()
	f, err := root.Open(name)
	if err != nil {
		return ingest.Dataset{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUpload))
	if err != nil {
		return ingest.Dataset{}, err
	}
	return ingest.Parse(data, filepath.Ext(name), s.loc)
}

// inputError is the client-facing message for an ingest failure. Row
// contents are never included.
func inputError(err error) string {
	var pe *ingest.ParseError
	if errors.As(err, &pe) {
		for _, kind := range []error{
			ingest.ErrMissingColumn, ingest.ErrInvalidFieldCount, ingest.ErrInvalidTimestamp,
			ingest.ErrInvalidKind, ingest.ErrInvalidDuration, ingest.ErrInvalidTarget,
			ingest.ErrDuplicateDate,
		} {
			if errors.Is(pe, kind) {
				return fmt.Sprintf("invalid input at line %d: %v", pe.Line, kind)
			}
		}
		return fmt.Sprintf("invalid input at line %d", pe.Line)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return "input not found"
	}
	return "input could not be read"
}

// handleForecast forecasts an uploaded input with the active model set.
// Identical uploads against the same version and horizon are served from
// the cache.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpload))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty input", http.StatusBadRequest)
		return
	}
	horizon := s.cfg.Forecast.HorizonDays
	if h := r.URL.Query().Get("horizon"); h != "" {
		if horizon, err = strconv.Atoi(h); err != nil || horizon <= 0 {
			http.Error(w, "invalid horizon", http.StatusBadRequest)
			return
		}
	}
	active, err := s.engine.Registry.Active()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	key := cache.Key(active.Version, horizon, body)
	if b, ok := s.cache.Get(key); ok {
		w.Header().Set("X-Cache", "HIT")
		writeJSON(w, http.StatusOK, b)
		return
	}

	ds, err := ingest.Parse(body, formatOf(r), s.loc)
	if err != nil {
		http.Error(w, inputError(err), http.StatusUnprocessableEntity)
		return
	}
	rc := pipeline.NewRunContext(s.now().In(s.loc), "upload", horizon)
	res, err := s.engine.Runner.RunForecastOnly(r.Context(), rc, ds)
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}
	s.cache.Put(key, res.Bundle)
	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, res.Bundle)
}

// formatOf maps the request content type to an ingest format.
func formatOf(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mt == "application/json" {
		return "json"
	}
	return "csv"
}

type statusResponse struct {
	Freshness     freshness.Status `json:"freshness"`
	ActiveVersion string           `json:"active_version,omitempty"`
	Fallback      string           `json:"fallback_version,omitempty"`
	LatestRun     *store.RunRecord `json:"latest_run,omitempty"`
	NextRun       *time.Time       `json:"next_scheduled_run,omitempty"`
	Cache         cache.Stats      `json:"cache"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{Freshness: s.engine.Freshness.Status(), Cache: s.cache.Stats()}
	if active, err := s.engine.Registry.Active(); err == nil {
		resp.ActiveVersion = active.Version
	}
	if prev := s.engine.Registry.Previous(); prev != nil {
		resp.Fallback = prev.Version
	}
	run, ok, err := s.engine.Store.LatestRun(ctx, false)
	if err != nil {
		s.logger.Error("status: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if ok {
		resp.LatestRun = &run
	}
	if s.scheduler != nil {
		next := s.scheduler.Next()
		resp.NextRun = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLatest serves the bundle of the latest successful run from disk.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	run, ok, err := s.engine.Store.LatestRun(r.Context(), true)
	if err != nil {
		s.logger.Error("latest run: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !ok || run.OutputDir == "" {
		http.Error(w, "no successful run yet", http.StatusNotFound)
		return
	}
	b, err := export.LoadBundle(run.OutputDir)
	if err != nil {
		s.logger.Error("latest run %s: %v", run.RunID, err)
		http.Error(w, fmt.Sprintf("results of run %s unavailable", run.RunID), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// statusFor maps run errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case api.IsInsufficientData(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, api.ErrNoActiveModel):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
