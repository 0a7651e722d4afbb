package lattice

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ShutdownTask is one module's teardown unit, built from the same
// descriptors used at startup.
type ShutdownTask struct {
	Module   string
	Graceful GracefulSpec
	Forced   ForcedSpec

	// After lists modules that must shut down before this one: the
	// module's transitive dependents plus any explicit ordering from its
	// graceful spec.
	After []string

	stop  func(ctx context.Context) error
	force func() error
}

// Shutdown tears the system down in reverse dependency order: a graceful,
// cooperative attempt per module, with a forced, best-effort fallback for
// any module whose graceful hook timed out, failed, or was never declared.
// Individual module failures are logged and tolerated; the coordinator's job
// is to attempt an orderly shutdown of everything, not to guarantee every
// module cleaned up.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.bootstrapped {
		h.mu.Unlock()
		return ErrBootstrapNotRun
	}
	if h.stopped {
		h.mu.Unlock()
		return ErrAlreadyShutDown
	}
	h.stopped = true
	h.mu.Unlock()

	h.emit(EventTypeShutdownStarted, nil)
	h.health.stop()

	// The forced fallback runs immediately after a module's failed or
	// missing graceful attempt, before the next task begins, so a
	// dependency's graceful hook never starts while a dependent still
	// holds resources.
	tasks := h.shutdownTasks()
	for _, task := range tasks {
		h.setState(task.Module, StateShuttingDown, nil)
		if task.stop != nil {
			if err := h.runGraceful(ctx, task); err == nil {
				h.finishModule(task.Module)
				continue
			} else {
				h.logger.Warn("graceful shutdown hook failed", "module", task.Module, "error", err)
			}
		}
		h.runForced(task)
		h.finishModule(task.Module)
	}

	if err := h.provider.Close(); err != nil {
		h.logger.Error("closing storage provider", "error", err)
	}

	h.emit(EventTypeShutdownCompleted, nil)
	h.logger.Info("shutdown complete", "modules", len(tasks))
	return nil
}

// runGraceful invokes the cooperative hook under its declared deadline. A
// hook that overruns is abandoned, not waited for; its goroutine is left to
// the hook's own context handling.
func (h *Host) runGraceful(ctx context.Context, task *ShutdownTask) error {
	hookCtx, cancel := context.WithTimeout(ctx, task.Graceful.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrShutdownHookPanic, r)
			}
		}()
		done <- task.stop(hookCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrShutdownHookFailed, err)
		}
		return nil
	case <-hookCtx.Done():
		h.metrics.shutdownTimeouts.Inc()
		return fmt.Errorf("%w: after %s", ErrShutdownHookTimeout, task.Graceful.Timeout)
	}
}

// runForced invokes the synchronous fallback hook under its short deadline.
// Errors and panics are swallowed; a misbehaving forced hook must not abort
// the remaining forced cleanups.
func (h *Host) runForced(task *ShutdownTask) {
	if task.force == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("forced shutdown hook panicked", "module", task.Module, "panic", r)
			}
		}()
		if err := task.force(); err != nil {
			h.logger.Error("forced shutdown hook failed", "module", task.Module, "error", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(task.Forced.Timeout):
		h.logger.Error("forced shutdown hook abandoned", "module", task.Module, "timeout", task.Forced.Timeout)
	}
}

// finishModule removes the module's service record and marks it stopped.
// Unregistration is strictly module-by-module; the registry is never
// bulk-cleared.
func (h *Host) finishModule(name string) {
	if desc, ok := h.descriptors[name]; ok && desc.Provides != "" {
		if err := h.registry.Unregister(desc.Provides); err == nil {
			h.metrics.registeredSvcs.Set(float64(h.registry.Len()))
		}
	}
	h.setState(name, StateStopped, nil)
	h.emit(EventTypeModuleStopped, moduleEventData{Module: name, State: string(StateStopped)})
}

// shutdownTasks builds the ordered teardown list: modules that other modules
// depend on shut down after their dependents (the mirror image of startup
// ordering), grouped by declared shutdown priority within a dependency
// depth. Modules at the same depth with equal priority and no explicit edge
// shut down in an unspecified order.
func (h *Host) shutdownTasks() []*ShutdownTask {
	h.mu.Lock()
	var active []string
	for name, run := range h.runs {
		switch run.state {
		case StateRegistered, StatePhase2Done, StateServiceCreated:
			active = append(active, name)
		}
	}
	h.mu.Unlock()
	sort.Strings(active)

	activeSet := make(map[string]bool, len(active))
	for _, name := range active {
		activeSet[name] = true
	}

	// before[x] lists modules that must shut down before x.
	before := make(map[string][]string, len(active))
	for _, name := range active {
		for _, dependent := range h.graph.dependents[name] {
			if activeSet[dependent] {
				before[name] = append(before[name], dependent)
			}
		}
		for _, earlier := range h.descriptors[name].Graceful.After {
			if activeSet[earlier] {
				before[name] = append(before[name], earlier)
			}
		}
	}

	order := shutdownOrder(active, before, func(name string) int {
		return h.descriptors[name].Graceful.Priority
	})
	if order == nil {
		// Explicit After edges contradicted the dependency graph; fall
		// back to plain reverse dependency order.
		h.logger.Warn("shutdown ordering constraints are cyclic, using reverse dependency order")
		order = h.reverseStartupOrder(active, activeSet)
	}

	tasks := make([]*ShutdownTask, 0, len(order))
	for _, name := range order {
		desc := h.descriptors[name]
		task := &ShutdownTask{
			Module:   name,
			Graceful: desc.Graceful,
			Forced:   desc.Forced,
			After:    append([]string(nil), before[name]...),
		}
		task.stop = h.stopHookFor(name)
		task.force = h.forceHookFor(name)
		tasks = append(tasks, task)
	}
	return tasks
}

// shutdownOrder topologically sorts the shutdown constraints in waves,
// ordering each wave by declared shutdown priority (lower shuts down
// earlier) then by module identity. Returns nil if the constraints contain
// a cycle.
func shutdownOrder(modules []string, before map[string][]string, priority func(string) int) []string {
	indegree := make(map[string]int, len(modules))
	dependents := make(map[string][]string)
	for _, name := range modules {
		indegree[name] = 0
	}
	for name, earlier := range before {
		for _, e := range earlier {
			indegree[name]++
			dependents[e] = append(dependents[e], name)
		}
	}

	var order []string
	remaining := len(indegree)
	for remaining > 0 {
		var ready []string
		for name, deg := range indegree {
			if deg == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil
		}
		sort.Slice(ready, func(i, j int) bool {
			if pi, pj := priority(ready[i]), priority(ready[j]); pi != pj {
				return pi < pj
			}
			return ready[i] < ready[j]
		})
		for _, name := range ready {
			delete(indegree, name)
			remaining--
			for _, dep := range dependents[name] {
				if _, pending := indegree[dep]; pending {
					indegree[dep]--
				}
			}
		}
		order = append(order, ready...)
	}
	return order
}

func (h *Host) reverseStartupOrder(active []string, activeSet map[string]bool) []string {
	var order []string
	for i := len(h.waves) - 1; i >= 0; i-- {
		for _, name := range h.waves[i] {
			if activeSet[name] {
				order = append(order, name)
			}
		}
	}
	return order
}

// stopHookFor resolves the graceful hook: the constructed service first,
// the module itself second.
func (h *Host) stopHookFor(name string) func(ctx context.Context) error {
	if s, ok := h.serviceOf(name).(Stoppable); ok {
		return s.Stop
	}
	if s, ok := h.modules[name].(Stoppable); ok {
		return s.Stop
	}
	return nil
}

func (h *Host) forceHookFor(name string) func() error {
	if s, ok := h.serviceOf(name).(ForceStoppable); ok {
		return s.ForceStop
	}
	if s, ok := h.modules[name].(ForceStoppable); ok {
		return s.ForceStop
	}
	return nil
}
