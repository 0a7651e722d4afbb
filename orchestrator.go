package lattice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hostmesh/lattice/storage"
)

// Default orchestration deadlines.
const (
	DefaultPhase2Timeout     = 30 * time.Second
	DefaultBootstrapDeadline = 2 * time.Minute
)

// Option configures a Host.
type Option func(*Host)

// WithModuleTree sets the filesystem walked for legacy declaration files.
func WithModuleTree(tree fs.FS) Option {
	return func(h *Host) { h.tree = tree }
}

// WithStorageProvider replaces the default SQLite provider.
func WithStorageProvider(p storage.Provider) Option {
	return func(h *Host) { h.provider = p }
}

// WithDataDir sets the directory for the default SQLite provider.
func WithDataDir(dir string) Option {
	return func(h *Host) { h.dataDir = dir }
}

// WithPhase2Timeout bounds each module's Phase 2 attempt.
func WithPhase2Timeout(d time.Duration) Option {
	return func(h *Host) { h.phase2Timeout = d }
}

// WithBootstrapDeadline bounds the whole Phase 2 sequence. A hung dependency
// is a fatal bootstrap error, not an infinite wait.
func WithBootstrapDeadline(d time.Duration) Option {
	return func(h *Host) { h.bootstrapDeadline = d }
}

// WithSettings attaches the host-global configuration value exposed to
// modules through the host context. Loading it is the embedding
// application's concern.
func WithSettings(settings any) Option {
	return func(h *Host) { h.settings = settings }
}

// WithObserver registers a lifecycle observer before bootstrap, optionally
// filtered by event type.
func WithObserver(obs Observer, eventTypes ...string) Option {
	return func(h *Host) { h.observers.register(obs, eventTypes...) }
}

// moduleRun tracks one module's progress through the state machine.
type moduleRun struct {
	state ModuleState
	err   error

	// service is the constructed instance, nil until StateServiceCreated.
	service any
}

// Host drives modules through the two-phase bootstrap and owns the service
// registry for the process lifetime. Create one with NewHost, register
// modules, then call Run (or Bootstrap/Shutdown separately).
type Host struct {
	logger  Logger
	modules map[string]Module

	tree              fs.FS
	provider          storage.Provider
	dataDir           string
	phase2Timeout     time.Duration
	bootstrapDeadline time.Duration
	settings          any

	registry  *ServiceRegistry
	sink      *SettingsSink
	handles   map[string]storage.BaseHandle
	observers observerSet
	metrics   *hostMetrics
	health    *healthBoard

	mu          sync.Mutex
	runs        map[string]*moduleRun
	descriptors map[string]*Descriptor
	fileOnly    map[string]bool
	graph       *depGraph
	waves       [][]string

	bootstrapped bool
	stopped      bool
}

// NewHost creates a host. The logger is the one dependency every module may
// assume; everything else is optional.
func NewHost(logger Logger, opts ...Option) *Host {
	h := &Host{
		logger:            logger,
		modules:           make(map[string]Module),
		dataDir:           "data",
		phase2Timeout:     DefaultPhase2Timeout,
		bootstrapDeadline: DefaultBootstrapDeadline,
		registry:          NewServiceRegistry(),
		sink:              NewSettingsSink(),
		handles:           make(map[string]storage.BaseHandle),
		metrics:           newHostMetrics(),
		runs:              make(map[string]*moduleRun),
	}
	h.health = newHealthBoard(logger)
	for _, opt := range opts {
		opt(h)
	}
	if h.provider == nil {
		h.provider = storage.NewSQLiteProvider(h.dataDir)
	}
	return h
}

// RegisterModule adds a module before bootstrap. Module names are unique.
func (h *Host) RegisterModule(m Module) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bootstrapped {
		return ErrAlreadyBootstrapped
	}
	if _, dup := h.modules[m.Name()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateModuleName, m.Name())
	}
	h.modules[m.Name()] = m
	return nil
}

// RegisterObserver adds a lifecycle observer. No event types means all.
func (h *Host) RegisterObserver(obs Observer, eventTypes ...string) {
	h.observers.register(obs, eventTypes...)
}

// UnregisterObserver removes an observer. Idempotent.
func (h *Host) UnregisterObserver(obs Observer) {
	h.observers.unregister(obs)
}

// Registry returns the service registry. Read-only for consumers; only the
// orchestrator mutates it.
func (h *Host) Registry() *ServiceRegistry { return h.registry }

// Settings returns the sink holding Phase 1 schema registrations.
func (h *Host) Settings() *SettingsSink { return h.sink }

// Database returns the base handle for a declared database name.
func (h *Host) Database(name string) (storage.BaseHandle, bool) {
	handle, ok := h.handles[name]
	return handle, ok
}

// State returns a module's current lifecycle state.
func (h *Host) State(module string) (ModuleState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	run, ok := h.runs[module]
	if !ok {
		return "", false
	}
	return run.state, true
}

// ModuleError returns the error that moved a module to StateFailed.
func (h *Host) ModuleError(module string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if run, ok := h.runs[module]; ok {
		return run.err
	}
	return nil
}

// States returns a snapshot of every module's state.
func (h *Host) States() map[string]ModuleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]ModuleState, len(h.runs))
	for name, run := range h.runs {
		out[name] = run.state
	}
	return out
}

// Health returns the latest health snapshot.
func (h *Host) Health() []HealthStatus { return h.health.snapshot() }

// Bootstrap brings the system up: storage pre-bootstrap, discovery and
// ordering, Phase 1 for all modules, then Phase 2 in dependency waves.
// Module-scoped failures degrade the system and are reported through
// States/ModuleError; only a storage failure, a dependency cycle, a
// duplicate service declaration or an exhausted bootstrap deadline fail the
// whole call.
func (h *Host) Bootstrap(ctx context.Context) error {
	h.mu.Lock()
	if h.bootstrapped {
		h.mu.Unlock()
		return ErrAlreadyBootstrapped
	}
	h.bootstrapped = true
	h.mu.Unlock()

	if err := h.discover(); err != nil {
		return err
	}
	if err := h.bootstrapStorage(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageBootstrap, err)
	}
	if err := h.buildOrder(); err != nil {
		return err
	}

	h.runPhase1()

	deadline, cancel := context.WithTimeout(ctx, h.bootstrapDeadline)
	defer cancel()
	if err := h.runPhase2(deadline); err != nil {
		return err
	}

	h.health.start()
	h.logger.Info("bootstrap complete",
		"modules", len(h.descriptors), "services", h.registry.Len(), "failed", len(h.failedModules()))
	return nil
}

// Run bootstraps the host and blocks until the context is cancelled or a
// termination signal arrives, then performs the coordinated shutdown.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Bootstrap(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	h.logger.Info("termination signal received, shutting down")

	return h.Shutdown(context.Background())
}

// discover parses every module's descriptor. A module without a valid
// descriptor is marked failed; discovery itself only fails on an unreadable
// module tree.
func (h *Host) discover() error {
	res, err := NewDiscovery(h.logger).Discover(h.tree, h.modules)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.descriptors = res.Descriptors
	h.fileOnly = res.FileOnly
	for name := range res.Descriptors {
		h.runs[name] = &moduleRun{state: StateDiscovered}
	}
	for name, derr := range res.Failed {
		h.runs[name] = &moduleRun{state: StateFailed, err: derr}
	}
	h.mu.Unlock()

	for name := range res.Descriptors {
		h.emit(EventTypeModuleDiscovered, moduleEventData{Module: name, State: string(StateDiscovered)})
		h.metrics.transition(name, StateDiscovered)
	}
	for name, derr := range res.Failed {
		h.logger.Error("module failed discovery", "module", name, "error", derr)
		h.emit(EventTypeModuleFailed, moduleEventData{Module: name, State: string(StateFailed), Error: derr.Error()})
		h.metrics.transition(name, StateFailed)
	}
	return nil
}

// bootstrapStorage groups declared tables by database name and creates every
// database eagerly, before any module object exists. Fatal on failure.
func (h *Host) bootstrapStorage(ctx context.Context) error {
	groups := make(map[string][]storage.Table)
	for _, desc := range h.descriptors {
		if desc.Storage == nil {
			continue
		}
		for _, t := range desc.Storage.Tables {
			groups[desc.Storage.Database] = append(groups[desc.Storage.Database], storage.Table{Name: t.Name, DDL: t.DDL})
		}
		if len(desc.Storage.Tables) == 0 {
			// A database may be declared with no tables; it is still created.
			if _, ok := groups[desc.Storage.Database]; !ok {
				groups[desc.Storage.Database] = nil
			}
		}
	}

	handles, err := storage.Bootstrap(ctx, h.provider, groups, h.logger)
	if err != nil {
		return err
	}
	h.handles = handles
	h.emit(EventTypeStorageReady, map[string]int{"databases": len(handles)})
	return nil
}

// buildOrder derives the dependency graph and the Phase 2 wave order. Cycle
// detection happens here, before any Phase 2 invocation.
func (h *Host) buildOrder() error {
	graph, err := buildGraph(h.descriptors)
	if err != nil {
		return err
	}
	waves, err := graph.waves()
	if err != nil {
		return err
	}
	h.graph = graph
	h.waves = waves
	h.logger.Debug("module order resolved", "waves", waves)
	return nil
}

// runPhase1 invokes every discovered module's settings-registration hook.
// No cross-module access is possible: the registry is still empty and the
// hook only sees the settings sink. Order is irrelevant, so all hooks run
// concurrently; one module's failure never blocks another's Phase 1.
func (h *Host) runPhase1() {
	var wg sync.WaitGroup
	for name := range h.descriptors {
		mod, hasCode := h.modules[name]
		if !hasCode {
			// Declaration-file-only entry; nothing to invoke.
			h.setState(name, StatePhase1Done, nil)
			continue
		}
		wg.Add(1)
		go func(name string, mod Module) {
			defer wg.Done()
			if registrar, ok := mod.(SettingsRegistrar); ok {
				if err := registrar.RegisterSettings(h.sink); err != nil {
					h.fail(name, ErrPhase1Failed, err)
					return
				}
			}
			h.setState(name, StatePhase1Done, nil)
			h.emit(EventTypeModulePhase1Done, moduleEventData{Module: name, State: string(StatePhase1Done)})
		}(name, mod)
	}
	wg.Wait()
}

// runPhase2 walks the dependency waves. Modules inside one wave share a
// dependency depth and have no edge between them, so they initialize
// concurrently; an edge between modules forces strict sequencing because the
// provider's wave completes before the dependent's begins.
func (h *Host) runPhase2(ctx context.Context) error {
	for _, wave := range h.waves {
		if err := ctx.Err(); err != nil {
			h.failPending(ErrPhase2Timeout, err)
			return fmt.Errorf("%w: bootstrap deadline exhausted", ErrPhase2Timeout)
		}
		var wg sync.WaitGroup
		for _, name := range wave {
			if state, _ := h.State(name); state != StatePhase1Done {
				continue
			}
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				h.initModule(ctx, name)
				if state, _ := h.State(name); state == StateFailed {
					h.failDependents(name)
				}
			}(name)
		}
		wg.Wait()
	}
	return nil
}

// initModule runs one module through service construction, Phase 2 and
// registration. Failures are module-scoped: the run is marked failed and
// its transitive dependents are failed eagerly before their wave begins.
func (h *Host) initModule(ctx context.Context, name string) {
	desc := h.descriptors[name]

	// Requirements with no provider in the graph at all are caught here;
	// a failed provider's dependents never reach this point.
	for _, svc := range desc.Requires {
		if _, ok := h.registry.Lookup(svc); !ok {
			h.fail(name, ErrMissingRequiredService, fmt.Errorf("service %s", svc))
			return
		}
	}

	mod, hasCode := h.modules[name]
	hostCtx := &HostContext{host: h, module: name}

	var service any
	if hasCode {
		if factory, ok := mod.(ServiceFactory); ok {
			built, err := factory.Construct(hostCtx)
			if err != nil {
				h.fail(name, ErrConstructFailed, err)
				return
			}
			service = built
		}
	}
	if desc.Provides != "" && service == nil {
		h.fail(name, ErrConstructFailed, fmt.Errorf("module declares service %s but constructs nothing", desc.Provides))
		return
	}
	h.setService(name, service)
	h.setState(name, StateServiceCreated, nil)
	h.emit(EventTypeModuleConstructed, moduleEventData{Module: name, State: string(StateServiceCreated)})

	if hasCode {
		if init, ok := mod.(Initializer); ok {
			started := time.Now()
			initCtx, cancel := context.WithTimeout(ctx, h.phase2Timeout)
			err := init.Init(initCtx, hostCtx)
			timedOut := errors.Is(initCtx.Err(), context.DeadlineExceeded)
			cancel()
			h.metrics.phase2Seconds.Observe(time.Since(started).Seconds())
			if err != nil {
				if timedOut {
					h.fail(name, ErrPhase2Timeout, err)
				} else {
					h.fail(name, ErrPhase2Failed, err)
				}
				return
			}
		}
	}
	h.setState(name, StatePhase2Done, nil)

	if desc.Provides != "" {
		rec := &ServiceRecord{
			Name:     desc.Provides,
			Module:   name,
			Handle:   service,
			Methods:  describeMethods(mod, service),
			Priority: desc.Priority,
		}
		if err := h.registry.Register(rec); err != nil {
			h.fail(name, ErrServiceAlreadyRegistered, err)
			return
		}
		h.metrics.registeredSvcs.Set(float64(h.registry.Len()))
	}
	h.setState(name, StateRegistered, nil)
	h.emit(EventTypeModuleRegistered, moduleEventData{Module: name, State: string(StateRegistered)})
	h.logger.Info("module registered", "module", name, "service", desc.Provides)

	// Health checks attach immediately after registration.
	if desc.Health != nil {
		if checker := h.healthCheckerFor(mod, service); checker != nil {
			h.health.register(name, desc.Health, checker)
		}
	}
}

// failDependents eagerly fails every module that transitively depends on a
// failed provider, so later waves skip them and their error names the root
// missing service.
func (h *Host) failDependents(name string) {
	svc := h.descriptors[name].Provides
	if svc == "" {
		return
	}
	for _, dep := range h.graph.transitiveDependents(name) {
		h.mu.Lock()
		run, ok := h.runs[dep]
		pending := ok && run.state == StatePhase1Done
		h.mu.Unlock()
		if pending {
			h.fail(dep, ErrMissingRequiredService, fmt.Errorf("service %s", svc))
		}
	}
}

// healthCheckerFor prefers the constructed service as the check target and
// falls back to the module itself.
func (h *Host) healthCheckerFor(mod Module, service any) HealthChecker {
	if checker, ok := service.(HealthChecker); ok {
		return checker
	}
	if checker, ok := mod.(HealthChecker); ok {
		return checker
	}
	return nil
}

func (h *Host) setState(name string, state ModuleState, err error) {
	h.mu.Lock()
	run, ok := h.runs[name]
	if !ok {
		run = &moduleRun{}
		h.runs[name] = run
	}
	run.state = state
	if err != nil {
		run.err = err
	}
	h.mu.Unlock()
	h.metrics.transition(name, state)
}

func (h *Host) setService(name string, service any) {
	h.mu.Lock()
	if run, ok := h.runs[name]; ok {
		run.service = service
	}
	h.mu.Unlock()
}

func (h *Host) serviceOf(name string) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	if run, ok := h.runs[name]; ok {
		return run.service
	}
	return nil
}

// fail marks a module failed with a machine-readable kind and the offending
// module identity attached.
func (h *Host) fail(name string, kind, cause error) {
	err := moduleErr(name, kind, cause)
	h.setState(name, StateFailed, err)
	h.logger.Error("module failed", "module", name, "error", err)
	h.emit(EventTypeModuleFailed, moduleEventData{Module: name, State: string(StateFailed), Error: err.Error()})
}

// failPending fails every module that has not passed Phase 2 yet; used when
// the bootstrap deadline is exhausted.
func (h *Host) failPending(kind, cause error) {
	h.mu.Lock()
	var pending []string
	for name, run := range h.runs {
		if run.state == StatePhase1Done || run.state == StateServiceCreated {
			pending = append(pending, name)
		}
	}
	h.mu.Unlock()
	for _, name := range pending {
		h.fail(name, kind, cause)
	}
}

func (h *Host) failedModules() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for name, run := range h.runs {
		if run.state == StateFailed {
			out = append(out, name)
		}
	}
	return out
}

func (h *Host) emit(eventType string, data any) {
	h.observers.notify(context.Background(), h.logger, NewLifecycleEvent(eventType, data))
}

// HostContext is the one shared resource every module may depend on during
// construction and Phase 2: the service registry, the database base handles
// and the host-global configuration. Phase 1 hooks never receive it.
type HostContext struct {
	host   *Host
	module string
}

// Logger returns the host logger.
func (c *HostContext) Logger() Logger { return c.host.logger }

// Module returns the identity of the module this context was issued to.
func (c *HostContext) Module() string { return c.module }

// LookupService returns the live handle for an already-Registered service.
// Services of modules later in the initialization order are not observable.
func (c *HostContext) LookupService(name string) (any, bool) {
	return c.host.registry.Handle(name)
}

// ServiceRecord returns the full registry record for a service.
func (c *HostContext) ServiceRecord(name string) (*ServiceRecord, bool) {
	return c.host.registry.Lookup(name)
}

// Database returns the base handle created for a declared database name
// during the storage bootstrap.
func (c *HostContext) Database(name string) (storage.BaseHandle, bool) {
	return c.host.Database(name)
}

// Settings returns the host-global configuration value, if any.
func (c *HostContext) Settings() any { return c.host.settings }

// SettingsSchema returns the schema a module registered during Phase 1.
func (c *HostContext) SettingsSchema(module string) (SettingsSchema, bool) {
	return c.host.sink.Schema(module)
}
