package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/internal/app"
	"github.com/openctemio/sast-triage/internal/config"
	infrahttp "github.com/openctemio/sast-triage/internal/infra/http"
	"github.com/openctemio/sast-triage/internal/infra/http/handler"
	"github.com/openctemio/sast-triage/internal/infra/http/middleware"
	"github.com/openctemio/sast-triage/internal/infra/memory"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/jwt"
	"github.com/openctemio/sast-triage/pkg/logger"
)

type nopRunner struct{}

func (nopRunner) Enqueue(context.Context, *triage.Scan) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		App:    config.AppConfig{Name: "sast-triage", Env: "test"},
		Server: config.ServerConfig{Port: 0, RequestTimeout: 5 * time.Second, MaxBodySize: 1 << 20},
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		},
		Log: config.LogConfig{SkipHealthLogs: true},
	}
}

func newServer(t *testing.T, validator middleware.TokenValidator) (*infrahttp.Server, infrahttp.Router) {
	t.Helper()
	log := logger.NewNop()
	store := memory.NewStore()

	srv, err := infrahttp.NewServer(testConfig(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	h := Handlers{
		Health:        handler.NewHealthHandler(handler.WithVersion("test")),
		Scan:          handler.NewScanHandler(app.NewScanService(store.Scans(), store.Analyses(), store.Configurations(), nopRunner{}, log), log),
		Configuration: handler.NewConfigurationHandler(app.NewConfigurationService(store.Configurations(), store.Defaults(), store.Scans(), nil, log), log),
		Defaults:      handler.NewDefaultsHandler(app.NewDefaultsService(store.Defaults(), log), log),
		Dashboard:     handler.NewDashboardHandler(app.NewDashboardService(store.Scans(), store.Analyses(), log), log),
	}
	Register(srv.Router(), h, middleware.Auth(validator, log))
	return srv, srv.Router()
}

func TestRegister_Routes(t *testing.T) {
	_, router := newServer(t, nil)
	stats := infrahttp.CollectRoutes(router)

	// health, ready, metrics + 9 scan + 7 configuration + 3 defaults + dashboard
	assert.Equal(t, 23, stats.Total)
	assert.Equal(t, 12, stats.Methods[http.MethodGet])
	assert.Equal(t, 6, stats.Methods[http.MethodPost])
	assert.Equal(t, 2, stats.Methods[http.MethodPut])
	assert.Equal(t, 3, stats.Methods[http.MethodDelete])

	var table bytes.Buffer
	require.NoError(t, infrahttp.PrintRoutes(&table, stats, "table"))
	assert.Contains(t, table.String(), "/api/v1/dashboard/statistics")
	assert.Contains(t, table.String(), "23 routes")

	var out bytes.Buffer
	require.NoError(t, infrahttp.PrintRoutes(&out, stats, "json"))
	var decoded infrahttp.RouteStats
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, stats.Total, decoded.Total)
}

func TestRegister_Reachable(t *testing.T) {
	srv, _ := newServer(t, nil)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/scans", http.StatusOK},
		{http.MethodGet, "/api/v1/scans/", http.StatusOK},
		{http.MethodGet, "/api/v1/configurations", http.StatusOK},
		{http.MethodGet, "/api/v1/defaults", http.StatusOK},
		{http.MethodGet, "/api/v1/dashboard/statistics", http.StatusOK},
		{http.MethodGet, "/api/v1/scans/not-a-uuid", http.StatusNotFound},
		{http.MethodGet, "/api/v1/nothing-here", http.StatusNotFound},
		{http.MethodPatch, "/api/v1/defaults", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestRegister_Auth(t *testing.T) {
	gen, err := jwt.NewGenerator(jwt.TokenConfig{Secret: "route-test-secret-0123456789abcdef"})
	require.NoError(t, err)
	srv, _ := newServer(t, gen)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/scans", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	token, _, err := gen.Generate("triagectl", "")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/scans", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
