package lattice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger routes engine logs into the test output.
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, args ...any)  { l.t.Log("INFO ", msg, args) }
func (l *testLogger) Error(msg string, args ...any) { l.t.Log("ERROR", msg, args) }
func (l *testLogger) Warn(msg string, args ...any)  { l.t.Log("WARN ", msg, args) }
func (l *testLogger) Debug(msg string, args ...any) { l.t.Log("DEBUG", msg, args) }

// callLog records hook invocations across modules to assert ordering.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (c *callLog) add(entry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *callLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries...)
}

func (c *callLog) indexOf(entry string) int {
	for i, e := range c.all() {
		if e == entry {
			return i
		}
	}
	return -1
}

// tmod is the base test module: self-describing, settings-registering,
// service-constructing and Phase 2 initializable. Hook behavior is
// customized through function fields.
type tmod struct {
	name string
	desc *Descriptor
	log  *callLog

	onPhase1    func(sink *SettingsSink) error
	onConstruct func(host *HostContext) (any, error)
	onInit      func(ctx context.Context, host *HostContext) error
}

func (m *tmod) Name() string            { return m.name }
func (m *tmod) Descriptor() *Descriptor { return m.desc }

func (m *tmod) RegisterSettings(sink *SettingsSink) error {
	if m.log != nil {
		m.log.add(m.name + ".phase1")
	}
	if m.onPhase1 != nil {
		return m.onPhase1(sink)
	}
	sink.RegisterSchema(m.name, SettingsSchema{Defaults: &struct{ Enabled bool }{Enabled: true}})
	return nil
}

func (m *tmod) Construct(host *HostContext) (any, error) {
	if m.onConstruct != nil {
		return m.onConstruct(host)
	}
	return &dummyService{module: m.name}, nil
}

func (m *tmod) Init(ctx context.Context, host *HostContext) error {
	if m.log != nil {
		m.log.add(m.name + ".init")
	}
	if m.onInit != nil {
		return m.onInit(ctx, host)
	}
	return nil
}

type dummyService struct {
	module string
}

func (s *dummyService) Ping() error { return nil }

func mod(name string, log *callLog, build func(b *DescriptorBuilder) *DescriptorBuilder) *tmod {
	b := NewDescriptor(name)
	if build != nil {
		b = build(b)
	}
	return &tmod{name: name, desc: b.MustBuild(), log: log}
}

func newTestHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{WithDataDir(t.TempDir())}, opts...)
	return NewHost(&testLogger{t}, opts...)
}

func TestBootstrapOrdersProvidersBeforeDependents(t *testing.T) {
	log := &callLog{}
	a := mod("mod.a", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.A") })
	bm := mod("mod.b", log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Provides("svc.B").Requires("svc.A")
	})
	c := mod("mod.c", log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Provides("svc.C").Requires("svc.A")
	})

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(a))
	require.NoError(t, h.RegisterModule(bm))
	require.NoError(t, h.RegisterModule(c))
	require.NoError(t, h.Bootstrap(context.Background()))

	for _, name := range []string{"mod.a", "mod.b", "mod.c"} {
		state, ok := h.State(name)
		require.True(t, ok)
		assert.Equal(t, StateRegistered, state, name)
	}
	for _, svc := range []string{"svc.A", "svc.B", "svc.C"} {
		_, ok := h.Registry().Lookup(svc)
		assert.True(t, ok, svc)
	}
	assert.Equal(t, 3, h.Registry().Len())

	aInit := log.indexOf("mod.a.init")
	require.GreaterOrEqual(t, aInit, 0)
	assert.Less(t, aInit, log.indexOf("mod.b.init"))
	assert.Less(t, aInit, log.indexOf("mod.c.init"))
}

func TestMissingRequiredServiceFailsDependentOnly(t *testing.T) {
	log := &callLog{}
	d := mod("mod.d", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Requires("svc.X") })
	e := mod("mod.e", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.E") })

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(d))
	require.NoError(t, h.RegisterModule(e))

	// One failed module degrades the system; it does not fail bootstrap.
	require.NoError(t, h.Bootstrap(context.Background()))

	state, _ := h.State("mod.d")
	assert.Equal(t, StateFailed, state)
	err := h.ModuleError("mod.d")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredService)
	assert.Contains(t, err.Error(), "svc.X")
	assert.Contains(t, err.Error(), "mod.d")

	state, _ = h.State("mod.e")
	assert.Equal(t, StateRegistered, state)
}

func TestPhase2FailurePropagatesToTransitiveDependents(t *testing.T) {
	log := &callLog{}
	a := mod("mod.a", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.A") })
	a.onInit = func(ctx context.Context, host *HostContext) error {
		return errors.New("boom")
	}
	bm := mod("mod.b", log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Provides("svc.B").Requires("svc.A")
	})
	c := mod("mod.c", log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Requires("svc.B")
	})
	indep := mod("mod.z", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.Z") })

	h := newTestHost(t)
	for _, m := range []*tmod{a, bm, c, indep} {
		require.NoError(t, h.RegisterModule(m))
	}
	require.NoError(t, h.Bootstrap(context.Background()))

	assert.ErrorIs(t, h.ModuleError("mod.a"), ErrPhase2Failed)
	assert.ErrorIs(t, h.ModuleError("mod.b"), ErrMissingRequiredService)
	assert.ErrorIs(t, h.ModuleError("mod.c"), ErrMissingRequiredService)

	// Dependents are failed as soon as their provider fails, naming the
	// root missing service, and none of their hooks ever run.
	assert.Contains(t, h.ModuleError("mod.b").Error(), "svc.A")
	assert.Contains(t, h.ModuleError("mod.c").Error(), "svc.A")
	assert.Equal(t, -1, log.indexOf("mod.b.init"))
	assert.Equal(t, -1, log.indexOf("mod.c.init"))

	state, _ := h.State("mod.z")
	assert.Equal(t, StateRegistered, state)
	assert.Equal(t, 1, h.Registry().Len())
}

func TestCycleFailsBeforeAnyPhase2(t *testing.T) {
	log := &callLog{}
	a := mod("mod.a", log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Provides("svc.A").Requires("svc.B")
	})
	bm := mod("mod.b", log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Provides("svc.B").Requires("svc.A")
	})

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(a))
	require.NoError(t, h.RegisterModule(bm))

	err := h.Bootstrap(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Cycle, "mod.a")
	assert.Contains(t, cycleErr.Cycle, "mod.b")

	for _, entry := range log.all() {
		assert.NotContains(t, entry, ".init", "no Phase 2 hook may run when the graph is cyclic")
	}
}

func TestDuplicateServiceDeclarationIsFatal(t *testing.T) {
	a := mod("mod.a", nil, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.dup") })
	bm := mod("mod.b", nil, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.dup") })

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(a))
	require.NoError(t, h.RegisterModule(bm))

	err := h.Bootstrap(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceAlreadyRegistered)
}

func TestPhase1FailureIsIsolated(t *testing.T) {
	log := &callLog{}
	bad := mod("mod.bad", log, nil)
	bad.onPhase1 = func(sink *SettingsSink) error { return errors.New("schema rejected") }
	good := mod("mod.good", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.good") })

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(bad))
	require.NoError(t, h.RegisterModule(good))
	require.NoError(t, h.Bootstrap(context.Background()))

	assert.ErrorIs(t, h.ModuleError("mod.bad"), ErrPhase1Failed)
	state, _ := h.State("mod.good")
	assert.Equal(t, StateRegistered, state)
}

func TestPhase1CannotObserveServices(t *testing.T) {
	var observed []int
	var mu sync.Mutex

	h := newTestHost(t)
	for i := 0; i < 3; i++ {
		m := mod(fmt.Sprintf("mod.%d", i), nil, func(b *DescriptorBuilder) *DescriptorBuilder {
			return b.Provides(fmt.Sprintf("svc.%d", i))
		})
		m.onPhase1 = func(sink *SettingsSink) error {
			mu.Lock()
			observed = append(observed, h.Registry().Len())
			mu.Unlock()
			return nil
		}
		require.NoError(t, h.RegisterModule(m))
	}
	require.NoError(t, h.Bootstrap(context.Background()))

	require.Len(t, observed, 3)
	for _, n := range observed {
		assert.Zero(t, n, "the registry must be empty while any Phase 1 hook runs")
	}
}

func TestPhase2TimeoutFailsModuleAndDependents(t *testing.T) {
	log := &callLog{}
	slow := mod("mod.slow", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.slow") })
	slow.onInit = func(ctx context.Context, host *HostContext) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}
	dep := mod("mod.dep", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Requires("svc.slow") })

	h := newTestHost(t, WithPhase2Timeout(50*time.Millisecond))
	require.NoError(t, h.RegisterModule(slow))
	require.NoError(t, h.RegisterModule(dep))
	require.NoError(t, h.Bootstrap(context.Background()))

	assert.ErrorIs(t, h.ModuleError("mod.slow"), ErrPhase2Timeout)
	assert.ErrorIs(t, h.ModuleError("mod.dep"), ErrMissingRequiredService)
}

func TestRequiredServiceReachableDuringPhase2(t *testing.T) {
	a := mod("mod.a", nil, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.A") })
	var got any
	bm := mod("mod.b", nil, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Requires("svc.A") })
	bm.onInit = func(ctx context.Context, host *HostContext) error {
		handle, ok := host.LookupService("svc.A")
		if !ok {
			return errors.New("svc.A not visible")
		}
		got = handle
		return nil
	}

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(a))
	require.NoError(t, h.RegisterModule(bm))
	require.NoError(t, h.Bootstrap(context.Background()))

	require.NotNil(t, got)
	svc, ok := got.(*dummyService)
	require.True(t, ok)
	assert.Equal(t, "mod.a", svc.module)
}

func TestStorageHandlesSharedByDatabaseName(t *testing.T) {
	a := mod("mod.a", nil, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.WithStorage("shared", TableSpec{
			Name: "alpha",
			DDL:  `CREATE TABLE IF NOT EXISTS alpha (id INTEGER PRIMARY KEY)`,
		})
	})
	bm := mod("mod.b", nil, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.WithStorage("shared", TableSpec{
			Name: "beta",
			DDL:  `CREATE TABLE IF NOT EXISTS beta (id INTEGER PRIMARY KEY)`,
		})
	})

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(a))
	require.NoError(t, h.RegisterModule(bm))
	require.NoError(t, h.Bootstrap(context.Background()))

	handle, ok := h.Database("shared")
	require.True(t, ok)

	var count int
	err := handle.DB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('alpha', 'beta')`,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBootstrapTwiceRejected(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.Bootstrap(context.Background()))
	assert.ErrorIs(t, h.Bootstrap(context.Background()), ErrAlreadyBootstrapped)
}

func TestRegisterModuleDuplicateName(t *testing.T) {
	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(mod("mod.a", nil, nil)))
	assert.ErrorIs(t, h.RegisterModule(mod("mod.a", nil, nil)), ErrDuplicateModuleName)
}

func TestConstructFailureFailsModule(t *testing.T) {
	m := mod("mod.a", nil, func(b *DescriptorBuilder) *DescriptorBuilder { return b.Provides("svc.A") })
	m.onConstruct = func(host *HostContext) (any, error) { return nil, errors.New("no wiring") }

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(m))
	require.NoError(t, h.Bootstrap(context.Background()))

	assert.ErrorIs(t, h.ModuleError("mod.a"), ErrConstructFailed)
	_, ok := h.Registry().Lookup("svc.A")
	assert.False(t, ok)
}

func TestEqualDepthModulesOrderedByPriority(t *testing.T) {
	log := &callLog{}
	// Same dependency depth, no edges: order inside the wave follows
	// ascending priority, then name.
	first := mod("mod.z", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.WithPriority(1) })
	second := mod("mod.a", log, func(b *DescriptorBuilder) *DescriptorBuilder { return b.WithPriority(50) })

	h := newTestHost(t)
	require.NoError(t, h.RegisterModule(first))
	require.NoError(t, h.RegisterModule(second))
	require.NoError(t, h.Bootstrap(context.Background()))

	require.Len(t, h.waves, 1)
	assert.Equal(t, []string{"mod.z", "mod.a"}, h.waves[0])
}
