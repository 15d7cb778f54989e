package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/certmgr/internal/acmeclient"
	"github.com/edvin/certmgr/internal/config"
	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/scheduler"
	"github.com/edvin/certmgr/internal/store"
	"github.com/edvin/certmgr/internal/vault"
)

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)
	v, err := vault.Open(t.TempDir(), "test-master-secret")
	require.NoError(t, err)
	bus := events.NewBus()
	t.Cleanup(bus.Shutdown)

	issuer := acmeclient.New(logger)
	eng := engine.New(logger, st, v, issuer, nil, bus)
	sched := scheduler.New(logger, st, eng, bus)
	t.Cleanup(sched.Stop)

	return NewServer(Deps{
		Config:    &config.Config{APIKey: apiKey},
		Store:     st,
		Vault:     v,
		Engine:    eng,
		Scheduler: sched,
		Bus:       bus,
		Issuer:    issuer,
		Logger:    logger,
	})
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsExposed(t *testing.T) {
	srv := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AuthRequired(t *testing.T) {
	srv := newTestServer(t, "sekrit")

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/certificates", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/certificates", nil)
	r.Header.Set("X-API-Key", "wrong")
	srv.Router().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/api/certificates", nil)
	r.Header.Set("X-API-Key", "sekrit")
	srv.Router().ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AuthViaQueryParam(t *testing.T) {
	srv := newTestServer(t, "sekrit")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/certificates?api_key=sekrit", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_EmptyKeyDisablesAuth(t *testing.T) {
	srv := newTestServer(t, "")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/certificates", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
}

func TestServer_RouteWiring(t *testing.T) {
	srv := newTestServer(t, "")

	// Unknown record resolves through the full route stack to a NotFound
	// envelope rather than a chi 404.
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/certificate/deadbeef", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scheduler/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
