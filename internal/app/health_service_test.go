package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dsbridge/internal/accessory"
	"github.com/dokzlo13/dsbridge/internal/config"
	"github.com/dokzlo13/dsbridge/internal/ds"
)

func newTestHealth(ready bool) *HealthService {
	accessories := []accessory.Accessory{
		accessory.NewShade("shade1", "Blind", nil),
	}
	return NewHealthService(&config.Config{},
		func() (bool, string) {
			if ready {
				return true, ""
			}
			return false, "event channel " + string(ds.StateConnecting)
		},
		func() []accessory.Accessory { return accessories },
	)
}

func TestHealthRoutes(t *testing.T) {
	tests := []struct {
		name   string
		ready  bool
		path   string
		status int
	}{
		{name: "health", ready: false, path: "/health", status: http.StatusOK},
		{name: "ready", ready: true, path: "/ready", status: http.StatusOK},
		{name: "not_ready", ready: false, path: "/ready", status: http.StatusServiceUnavailable},
		{name: "metrics", ready: true, path: "/metrics", status: http.StatusOK},
		{name: "accessories", ready: true, path: "/accessories", status: http.StatusOK},
		{name: "unknown", ready: true, path: "/nope", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestHealth(tt.ready).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHealthAccessories(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHealth(true).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accessories", nil))

	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "shade1", views[0]["id"])
	assert.Equal(t, "shade", views[0]["kind"])
	assert.Equal(t, false, views[0]["known"])
}

func TestHealthNotReadyReason(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHealth(false).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "event channel connecting", body["reason"])
}
