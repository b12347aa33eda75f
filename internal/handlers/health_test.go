package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"bitespeed-identity/internal/config"
	"bitespeed-identity/internal/handlers/mocks"
	"bitespeed-identity/internal/logger"
	"bitespeed-identity/internal/metrics"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, pinger Pinger, reg *prometheus.Registry) http.Handler {
	t.Helper()
	log := logger.Discard()
	return NewRouter(RouterDeps{
		Identify: NewIdentifyHandler(log, mocks.NewMockIdentifier(gomock.NewController(t)), config.IdentifyConfig{}),
		Health:   NewHealthHandler(pinger, "v1.2.3"),
		Gatherer: reg,
		Log:      log,
	})
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		pingErr    error
		wantStatus int
		wantBody   string
	}{
		{name: "live ignores store", path: "/health/live", pingErr: errors.New("down"), wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "ready ok", path: "/health/ready", wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "ready down", path: "/health/ready", pingErr: errors.New("down"), wantStatus: http.StatusServiceUnavailable, wantBody: "down"},
		{name: "health ok", path: "/health", wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "health down", path: "/health", pingErr: errors.New("down"), wantStatus: http.StatusServiceUnavailable, wantBody: "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, stubPinger{err: tt.pingErr}, prometheus.NewRegistry())

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Equal(t, tt.wantStatus, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantBody, resp.Status)
			if tt.path == "/health" {
				assert.Equal(t, "v1.2.3", resp.Version)
				assert.Equal(t, tt.wantBody, resp.Components["database"].Status)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.AddDemotions(2)

	rec := httptest.NewRecorder()
	newTestRouter(t, stubPinger{}, reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "identity_demotions_total 2")
}

func TestNewServer(t *testing.T) {
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 9090, ReadTimeout: 1}, http.NotFoundHandler())
	assert.Equal(t, "127.0.0.1:9090", srv.Addr)
	assert.EqualValues(t, 1, srv.ReadTimeout)
}
