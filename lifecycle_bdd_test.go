package lattice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/cucumber/godog"
)

// lifecycleTestContext carries the state of one BDD scenario.
type lifecycleTestContext struct {
	host    *Host
	log     *callLog
	dataDir string
	modules []Module

	mu       sync.Mutex
	emptyReg []bool

	bootstrapped bool
	bootstrapErr error
}

func (c *lifecycleTestContext) aFreshHost() error {
	dir, err := os.MkdirTemp("", "lattice-bdd-")
	if err != nil {
		return err
	}
	c.dataDir = dir
	c.log = &callLog{}
	c.modules = nil
	c.emptyReg = nil
	c.bootstrapped = false
	c.bootstrapErr = nil
	return nil
}

func (c *lifecycleTestContext) addModule(m Module) {
	c.modules = append(c.modules, m)
}

func (c *lifecycleTestContext) aModuleProviding(name, service string) error {
	c.addModule(stoppable(name, c.log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Provides(service)
	}))
	return nil
}

func (c *lifecycleTestContext) aModuleRequiring(name, service string) error {
	c.addModule(stoppable(name, c.log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Requires(service)
	}))
	return nil
}

func (c *lifecycleTestContext) aModuleProvidingAndRequiring(name, provides, requires string) error {
	c.addModule(stoppable(name, c.log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.Provides(provides).Requires(requires)
	}))
	return nil
}

func (c *lifecycleTestContext) aModuleDeclaringStorage(name, database, table string) error {
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY)", table)
	c.addModule(stoppable(name, c.log, func(b *DescriptorBuilder) *DescriptorBuilder {
		return b.WithStorage(database, TableSpec{Name: table, DDL: ddl})
	}))
	return nil
}

func (c *lifecycleTestContext) theHostBootstraps() error {
	nop := func(msg string, args ...any) {}
	c.host = NewHost(funcLogger(nop), WithDataDir(c.dataDir))
	for _, m := range c.modules {
		// Every settings hook records whether the registry was empty at
		// the moment Phase 1 ran.
		if tm, ok := m.(*stoppableMod); ok {
			tm.onPhase1 = func(sink *SettingsSink) error {
				empty := c.host.Registry().Len() == 0
				c.mu.Lock()
				c.emptyReg = append(c.emptyReg, empty)
				c.mu.Unlock()
				return nil
			}
		}
		if err := c.host.RegisterModule(m); err != nil {
			return err
		}
	}
	c.bootstrapErr = c.host.Bootstrap(context.Background())
	c.bootstrapped = c.bootstrapErr == nil
	return nil
}

func (c *lifecycleTestContext) theHostHasBootstrapped() error {
	if err := c.theHostBootstraps(); err != nil {
		return err
	}
	if c.bootstrapErr != nil {
		return fmt.Errorf("bootstrap failed: %w", c.bootstrapErr)
	}
	return nil
}

func (c *lifecycleTestContext) theHostShutsDown() error {
	return c.host.Shutdown(context.Background())
}

func (c *lifecycleTestContext) theBootstrapShouldSucceed() error {
	if c.bootstrapErr != nil {
		return fmt.Errorf("bootstrap failed: %w", c.bootstrapErr)
	}
	return nil
}

func (c *lifecycleTestContext) theBootstrapShouldFailWithCycle() error {
	if c.bootstrapErr == nil {
		return fmt.Errorf("bootstrap succeeded but a cycle error was expected")
	}
	if !errors.Is(c.bootstrapErr, ErrCyclicDependency) {
		return fmt.Errorf("expected a cycle error, got: %v", c.bootstrapErr)
	}
	return nil
}

func (c *lifecycleTestContext) moduleShouldInitializeBefore(first, second string) error {
	i, j := c.log.indexOf(first+".init"), c.log.indexOf(second+".init")
	if i < 0 || j < 0 {
		return fmt.Errorf("missing init entries for %s and %s in %v", first, second, c.log.all())
	}
	if i >= j {
		return fmt.Errorf("%s initialized at %d, after %s at %d", first, i, second, j)
	}
	return nil
}

func (c *lifecycleTestContext) moduleShouldStopBefore(first, second string) error {
	i, j := c.log.indexOf(first+".stop"), c.log.indexOf(second+".stop")
	if i < 0 || j < 0 {
		return fmt.Errorf("missing stop entries for %s and %s in %v", first, second, c.log.all())
	}
	if i >= j {
		return fmt.Errorf("%s stopped at %d, after %s at %d", first, i, second, j)
	}
	return nil
}

func (c *lifecycleTestContext) moduleShouldBeInState(name, want string) error {
	state, ok := c.host.State(name)
	if !ok {
		return fmt.Errorf("module %s is unknown to the host", name)
	}
	if string(state) != want {
		return fmt.Errorf("module %s is in state %s, expected %s", name, state, want)
	}
	return nil
}

func (c *lifecycleTestContext) bothModulesRegistered() error {
	for _, m := range c.modules {
		if err := c.moduleShouldBeInState(m.Name(), string(StateRegistered)); err != nil {
			return err
		}
	}
	return nil
}

func (c *lifecycleTestContext) noModuleShouldHaveInitialized() error {
	for _, entry := range c.log.all() {
		if len(entry) > 5 && entry[len(entry)-5:] == ".init" {
			return fmt.Errorf("module hook ran despite the fatal bootstrap: %s", entry)
		}
	}
	return nil
}

func (c *lifecycleTestContext) everySettingsHookSawEmptyRegistry() error {
	if len(c.emptyReg) != len(c.modules) {
		return fmt.Errorf("expected %d settings hooks, saw %d", len(c.modules), len(c.emptyReg))
	}
	for _, empty := range c.emptyReg {
		if !empty {
			return fmt.Errorf("a settings hook observed a non-empty registry")
		}
	}
	return nil
}

func (c *lifecycleTestContext) databaseShouldContainTable(database, table string) error {
	handle, ok := c.host.Database(database)
	if !ok {
		return fmt.Errorf("database %s was not bootstrapped", database)
	}
	var n int
	err := handle.DB().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("table %s missing from database %s", table, database)
	}
	return nil
}

func (c *lifecycleTestContext) registryShouldBeEmpty() error {
	if n := c.host.Registry().Len(); n != 0 {
		return fmt.Errorf("registry still holds %d services", n)
	}
	return nil
}

// funcLogger adapts a single sink function into a Logger for scenarios that
// do not care about output.
type funcLogger func(msg string, args ...any)

func (f funcLogger) Info(msg string, args ...any)  { f(msg, args...) }
func (f funcLogger) Error(msg string, args ...any) { f(msg, args...) }
func (f funcLogger) Warn(msg string, args ...any)  { f(msg, args...) }
func (f funcLogger) Debug(msg string, args ...any) { f(msg, args...) }

func InitializeLifecycleScenario(ctx *godog.ScenarioContext) {
	testCtx := &lifecycleTestContext{}

	ctx.Step(`^a fresh host with a temporary data directory$`, testCtx.aFreshHost)
	ctx.Step(`^a module "([^"]*)" providing "([^"]*)"$`, testCtx.aModuleProviding)
	ctx.Step(`^a module "([^"]*)" requiring "([^"]*)"$`, testCtx.aModuleRequiring)
	ctx.Step(`^a module "([^"]*)" providing "([^"]*)" and requiring "([^"]*)"$`, testCtx.aModuleProvidingAndRequiring)
	ctx.Step(`^a module "([^"]*)" declaring database "([^"]*)" with table "([^"]*)"$`, testCtx.aModuleDeclaringStorage)
	ctx.Step(`^the host bootstraps$`, testCtx.theHostBootstraps)
	ctx.Step(`^the host has bootstrapped$`, testCtx.theHostHasBootstrapped)
	ctx.Step(`^the host shuts down$`, testCtx.theHostShutsDown)
	ctx.Step(`^the bootstrap should succeed$`, testCtx.theBootstrapShouldSucceed)
	ctx.Step(`^the bootstrap should fail with a cycle error$`, testCtx.theBootstrapShouldFailWithCycle)
	ctx.Step(`^module "([^"]*)" should initialize before "([^"]*)"$`, testCtx.moduleShouldInitializeBefore)
	ctx.Step(`^module "([^"]*)" should stop before "([^"]*)"$`, testCtx.moduleShouldStopBefore)
	ctx.Step(`^module "([^"]*)" should be in state "([^"]*)"$`, testCtx.moduleShouldBeInState)
	ctx.Step(`^both modules should be in state "registered"$`, testCtx.bothModulesRegistered)
	ctx.Step(`^no module should have initialized$`, testCtx.noModuleShouldHaveInitialized)
	ctx.Step(`^every settings hook should have observed an empty registry$`, testCtx.everySettingsHookSawEmptyRegistry)
	ctx.Step(`^the "([^"]*)" database should contain table "([^"]*)"$`, testCtx.databaseShouldContainTable)
	ctx.Step(`^the service registry should be empty$`, testCtx.registryShouldBeEmpty)
}

// TestLifecycle runs the BDD suite for host orchestration.
func TestLifecycle(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/lifecycle.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
