package lattice

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisteredRoute is one entry in the flat route list handed to the routing
// layer: path, handler and the owning module identity. Only modules that
// reached StateRegistered contribute.
type RegisteredRoute struct {
	Method  string
	Path    string
	Handler http.Handler
	Module  string
}

// Routes gathers the route list from every Registered module. The
// constructed service is consulted first, then the module itself.
func (h *Host) Routes() []RegisteredRoute {
	states := h.States()
	var names []string
	for name, state := range states {
		if state == StateRegistered {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []RegisteredRoute
	for _, name := range names {
		provider, ok := h.serviceOf(name).(RouteProvider)
		if !ok {
			provider, ok = h.modules[name].(RouteProvider)
		}
		if !ok {
			continue
		}
		for _, route := range provider.Routes() {
			method := route.Method
			if method == "" {
				method = http.MethodGet
			}
			out = append(out, RegisteredRoute{
				Method:  method,
				Path:    route.Path,
				Handler: route.Handler,
				Module:  name,
			})
		}
	}
	return out
}

// serviceView is the dashboard projection of one registry record.
type serviceView struct {
	Name         string       `json:"name"`
	OwningModule string       `json:"owningModule"`
	Methods      []MethodInfo `json:"methodMetadata,omitempty"`
}

// ListServices returns the read-only dashboard view of the registry. It
// always reflects current registry state: only fully Registered services
// appear, and unregistered ones disappear.
func (h *Host) ListServices() []serviceView {
	var out []serviceView
	for rec := range h.registry.List() {
		out = append(out, serviceView{Name: rec.Name, OwningModule: rec.Module, Methods: rec.Methods})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handler mounts the collected module routes plus the host's own read-only
// surfaces: the dashboard service listing, the health snapshot and metrics.
func (h *Host) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/services", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, h.ListServices())
	})
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, h.Health())
	})
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(h.metrics.registry, promhttp.HandlerOpts{}))

	for _, route := range h.Routes() {
		r.Method(route.Method, route.Path, route.Handler)
	}
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
