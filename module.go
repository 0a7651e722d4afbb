package lattice

import (
	"context"
	"net/http"
)

// Module is the basic building block managed by the host. Every module
// carries a unique name; its full metadata comes from a Descriptor, either
// embedded in the module itself (SelfDescribing) or from a legacy
// declaration file found in the module tree.
type Module interface {
	// Name returns the unique dotted identity of the module, matching
	// Descriptor.Name. Example: "core.storage", "billing.invoices".
	Name() string
}

// SelfDescribing is implemented by modules that embed their Descriptor in
// code. A static descriptor always wins over a legacy declaration file for
// the same module name.
type SelfDescribing interface {
	Descriptor() *Descriptor
}

// SettingsRegistrar is the Phase 1 hook. It is invoked for all discovered
// modules before any service exists; the only legal side effect is
// registering the module's settings schema with the sink. The service
// registry is deliberately not reachable from this hook.
type SettingsRegistrar interface {
	RegisterSettings(sink *SettingsSink) error
}

// ServiceFactory is implemented by modules that provide a service. The host
// calls Construct exactly once, after Phase 1 and before Phase 2, injecting
// the shared host context. The returned handle is the value registered under
// Descriptor.Provides once Phase 2 succeeds.
type ServiceFactory interface {
	Construct(host *HostContext) (any, error)
}

// Initializer is the Phase 2 hook. It runs in dependency order: every
// service named in Descriptor.Requires is already Registered and reachable
// through the host context. Phase 2 may perform external I/O.
type Initializer interface {
	Init(ctx context.Context, host *HostContext) error
}

// Stoppable is the graceful shutdown hook, invoked cooperatively under the
// deadline from GracefulSpec.Timeout. A hook that overruns its deadline is
// abandoned and the module falls through to the forced pass.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// ForceStoppable is the synchronous fallback shutdown hook, invoked only
// when the graceful hook timed out, failed, or was never declared. Errors
// and panics from it are swallowed.
type ForceStoppable interface {
	ForceStop() error
}

// HealthChecker is implemented by modules that want periodic health
// evaluation after reaching StateRegistered. The check interval comes from
// the descriptor's HealthSpec.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// RouteProvider is implemented by modules that expose HTTP endpoints. The
// host gathers routes only from modules that reached StateRegistered and
// hands them to the routing layer as a flat list.
type RouteProvider interface {
	Routes() []Route
}

// Route is one entry in the flat route list exposed to the routing layer.
type Route struct {
	Method  string
	Path    string
	Handler http.Handler
}

// MethodDescriber lets a module supply introspection metadata for its
// service's methods. Without it the host derives method names by reflection.
// The metadata is informational only and never enforced at call time.
type MethodDescriber interface {
	ServiceMethods() []MethodInfo
}

// ModuleState is the lifecycle state machine position of a module.
type ModuleState string

const (
	StateDiscovered     ModuleState = "discovered"
	StatePhase1Done     ModuleState = "phase1_done"
	StateServiceCreated ModuleState = "service_created"
	StatePhase2Done     ModuleState = "phase2_done"
	StateRegistered     ModuleState = "registered"
	StateShuttingDown   ModuleState = "shutting_down"
	StateStopped        ModuleState = "stopped"
	StateFailed         ModuleState = "failed"
)
