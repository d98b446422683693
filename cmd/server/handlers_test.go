package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ceapsi/staffcast/internal/api"
	"github.com/ceapsi/staffcast/internal/cache"
	"github.com/ceapsi/staffcast/internal/config"
	"github.com/ceapsi/staffcast/internal/export"
	"github.com/ceapsi/staffcast/internal/metrics"
	"github.com/ceapsi/staffcast/internal/pipeline"
)

var runAt = time.Date(2024, 7, 2, 10, 0, 0, 0, time.UTC)

// dailyCSV renders n business days before runAt with a weekly pattern.
func dailyCSV(n int) []byte {
	var rows []string
	d := runAt.AddDate(0, 0, -1)
	for len(rows) < n {
		d = d.AddDate(0, 0, -1)
		if !api.IsBusinessDay(d) {
			continue
		}
		i := float64(len(rows))
		y := 40 + 6*math.Sin(float64(d.Weekday())) + math.Mod(i*7.3, 3)
		rows = append(rows, fmt.Sprintf("%s,%.3f,%d,%d", d.Format("2006-01-02"), y, int(y*0.8), int(d.Weekday())))
	}
	var buf bytes.Buffer
	buf.WriteString("ds,y,volume_reservation,day_of_week\n")
	for i := len(rows) - 1; i >= 0; i-- {
		buf.WriteString(rows[i] + "\n")
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, tokenRate float64) (*Server, config.Config) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Forecast.HorizonDays = 7
	cfg.Models.ForestTrees = 10
	cfg.Models.BoostingStages = 20
	cfg.CrossVal.Parallelism = 2
	cfg.Store = config.StoreConfig{Backend: "memory"}
	cfg.Paths = config.PathConfig{
		Input:       filepath.Join(dir, "data", "daily.csv"),
		DataDir:     filepath.Join(dir, "data"),
		OutputDir:   filepath.Join(dir, "results"),
		RegistryDir: filepath.Join(dir, "models"),
		AuditDir:    filepath.Join(dir, "audit"),
	}
	require.NoError(t, os.MkdirAll(cfg.Paths.DataDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.Paths.Input, dailyCSV(100), 0o644))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	engine, err := pipeline.Build(context.Background(), cfg, nil, m, export.FormatJSON)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	forecasts, err := cache.NewForecastCache(8, time.Hour, m)
	require.NoError(t, err)

	return &Server{
		engine:  engine,
		cfg:     cfg,
		loc:     time.UTC,
		cache:   forecasts,
		limiter: rate.NewLimiter(rate.Limit(tokenRate), 1),
		logger:  engine.Logger,
		metrics: reg,
		now:     func() time.Time { return runAt },
	}, cfg
}

func do(t *testing.T, h http.Handler, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, 100)
	rec := do(t, s.Routes(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestForecastWithoutActiveModel(t *testing.T) {
	s, _ := newTestServer(t, 100)
	rec := do(t, s.Routes(), http.MethodPost, "/v1/forecast", "text/csv", dailyCSV(40))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunRejectsShortInput(t *testing.T) {
	s, cfg := newTestServer(t, 100)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.DataDir, "short.csv"), dailyCSV(10), 0o644))

	body, _ := json.Marshal(runRequest{Input: "short.csv"})
	rec := do(t, s.Routes(), http.MethodPost, "/v1/pipeline/run", "application/json", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, pipeline.StageIngest, resp["stage"])
}

func TestRunInputConfinedToDataDir(t *testing.T) {
	s, cfg := newTestServer(t, 100)
	h := s.Routes()

	outside := filepath.Join(t.TempDir(), "secret.csv")
	require.NoError(t, os.WriteFile(outside, []byte("user,password\nadmin,hunter2\n"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(cfg.Paths.DataDir, "link.csv")))

	for _, input := range []string{outside, "../secret.csv", "link.csv"} {
		body, _ := json.Marshal(runRequest{Input: input})
		rec := do(t, h, http.MethodPost, "/v1/pipeline/run", "application/json", body)
		assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnprocessableEntity}, rec.Code, input)
		assert.NotContains(t, rec.Body.String(), "hunter2", input)
		assert.NotContains(t, rec.Body.String(), "password", input)
	}

	s.cfg.Paths.DataDir = ""
	body, _ := json.Marshal(runRequest{Input: "daily.csv"})
	rec := do(t, h, http.MethodPost, "/v1/pipeline/run", "application/json", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunParseErrorOmitsRecord(t *testing.T) {
	s, cfg := newTestServer(t, 100)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Paths.DataDir, "bad.csv"), []byte("user,password\nadmin,hunter2\n"), 0o644))

	body, _ := json.Marshal(runRequest{Input: "bad.csv"})
	rec := do(t, s.Routes(), http.MethodPost, "/v1/pipeline/run", "application/json", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid input at line 1: missing required column")
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestRunThenForecastIsCached(t *testing.T) {
	s, _ := newTestServer(t, 100)
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/v1/pipeline/run", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, true, run["success"])
	assert.Equal(t, true, run["retrained"])
	assert.NotEmpty(t, run["model_version"])

	rec = do(t, h, http.MethodGet, "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, run["model_version"], status.ActiveVersion)
	assert.Equal(t, "fresh", status.Freshness.StateName)
	require.NotNil(t, status.LatestRun)
	assert.True(t, status.LatestRun.Success)

	upload := dailyCSV(60)
	first := do(t, h, http.MethodPost, "/v1/forecast?horizon=5", "text/csv", upload)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	var b export.Bundle
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &b))
	assert.Len(t, b.Predictions, 5)

	second := do(t, h, http.MethodPost, "/v1/forecast?horizon=5", "text/csv", upload)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, uint64(1), s.cache.Stats().Hits)

	rec = do(t, h, http.MethodGet, "/v1/runs/latest", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "staffcast_pipeline_runs_total"))
}

func TestForecastRejectsBadHorizon(t *testing.T) {
	s, _ := newTestServer(t, 100)
	rec := do(t, s.Routes(), http.MethodPost, "/v1/forecast?horizon=-3", "text/csv", dailyCSV(40))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimited(t *testing.T) {
	s, _ := newTestServer(t, 0)
	h := s.Routes()
	first := do(t, h, http.MethodPost, "/v1/forecast", "text/csv", nil)
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := do(t, h, http.MethodPost, "/v1/forecast", "text/csv", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "10", second.Header().Get("Retry-After"))
}

func TestMetricsBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, 100)
	s.metricsAuth.enabled = true
	s.metricsAuth.user = "ops"
	s.metricsAuth.password = "secret"
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("ops", "secret")
	ok := httptest.NewRecorder()
	h.ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
}
