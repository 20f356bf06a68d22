package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_Healthy(t *testing.T) {
	handler := HealthHandler("dataflow", func(ctx context.Context) error { return nil })

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "dataflow", body["service"])
}

func TestHealthHandler_CheckFailure(t *testing.T) {
	handler := HealthHandler("dataflow", func(ctx context.Context) error {
		return errors.New("store unreachable")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "store unreachable", body["error"])
}

func TestHealthHandler_NoCheck(t *testing.T) {
	handler := HealthHandler("dataflow", nil)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_DefaultShutdownTimeout(t *testing.T) {
	srv := New(Opts{Name: "dataflow", Port: 8080})

	assert.Equal(t, ":8080", srv.httpServer.Addr)
	assert.NotZero(t, srv.shutdownTimeout)
}
