package lattice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routedMod struct{ tmod }

func (m *routedMod) Routes() []Route {
	return []Route{
		{Path: "/cache/stats", Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("hits=0"))
		})},
		{Method: http.MethodPost, Path: "/cache/flush", Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})},
	}
}

func routedHost(t *testing.T) *Host {
	t.Helper()
	rm := &routedMod{tmod: *mod("mod.cache", nil, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Provides("svc.cache")
	})}
	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(rm))
	require.NoError(t, h.Bootstrap(context.Background()))
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h
}

func TestRoutesCollectRegisteredModules(t *testing.T) {
	h := routedHost(t)

	routes := h.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, http.MethodGet, routes[0].Method, "missing method defaults to GET")
	assert.Equal(t, "/cache/stats", routes[0].Path)
	assert.Equal(t, "mod.cache", routes[0].Module)
	assert.Equal(t, http.MethodPost, routes[1].Method)
}

func TestHandlerServesModuleRoutes(t *testing.T) {
	h := routedHost(t)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cache/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerServicesEndpoint(t *testing.T) {
	h := routedHost(t)

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var views []struct {
		Name         string `json:"name"`
		OwningModule string `json:"owningModule"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "svc.cache", views[0].Name)
	assert.Equal(t, "mod.cache", views[0].OwningModule)
}

func TestHandlerHealthEndpoint(t *testing.T) {
	h := routedHost(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerMetricsEndpoint(t *testing.T) {
	h := routedHost(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lattice_module_state_transitions_total")
}

func TestListServicesReflectsRegistryDrain(t *testing.T) {
	h := routedHost(t)
	require.Len(t, h.ListServices(), 1)
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Empty(t, h.ListServices())
}
