package lattice

import (
	"fmt"
	"slices"
	"sort"
)

// depGraph is the directed graph of "requires" edges among modules, derived
// from required/provided service names. An edge B→A means B must reach
// Phase 2 completion before A may start Phase 2. The graph is recomputed
// from descriptors every run and never persisted.
type depGraph struct {
	descriptors map[string]*Descriptor

	// providers maps service name to the single module providing it.
	providers map[string]string

	// dependsOn maps a module to the provider modules it needs. Only
	// resolvable requirements appear; a requirement with no provider is
	// surfaced later as ErrMissingRequiredService, not a graph error.
	dependsOn map[string][]string

	// dependents is the reverse adjacency of dependsOn.
	dependents map[string][]string
}

// buildGraph derives the dependency graph from a descriptor set. Two modules
// providing the same service name is a fatal configuration error.
func buildGraph(descriptors map[string]*Descriptor) (*depGraph, error) {
	g := &depGraph{
		descriptors: descriptors,
		providers:   make(map[string]string),
		dependsOn:   make(map[string][]string),
		dependents:  make(map[string][]string),
	}

	names := sortedKeys(descriptors)
	for _, name := range names {
		d := descriptors[name]
		if d.Provides == "" {
			continue
		}
		if owner, taken := g.providers[d.Provides]; taken {
			return nil, moduleErr(name, ErrServiceAlreadyRegistered,
				fmt.Errorf("service %s also provided by module %s", d.Provides, owner))
		}
		g.providers[d.Provides] = name
	}

	for _, name := range names {
		d := descriptors[name]
		for _, svc := range d.Requires {
			provider, ok := g.providers[svc]
			if !ok || provider == name {
				continue
			}
			if !slices.Contains(g.dependsOn[name], provider) {
				g.dependsOn[name] = append(g.dependsOn[name], provider)
				g.dependents[provider] = append(g.dependents[provider], name)
			}
		}
	}

	return g, nil
}

// waves computes the Phase 2 initialization order as priority-grouped waves:
// modules sharing a dependency depth and no edge between them may initialize
// concurrently. Within a wave, modules are ordered by ascending declared
// priority, then by identity, for determinism. A cycle aborts the whole
// ordering; no partial result is returned.
func (g *depGraph) waves() ([][]string, error) {
	indegree := make(map[string]int, len(g.descriptors))
	for name := range g.descriptors {
		indegree[name] = len(g.dependsOn[name])
	}

	var waves [][]string
	remaining := len(indegree)
	for remaining > 0 {
		var ready []string
		for name, deg := range indegree {
			if deg == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, &CycleError{Cycle: g.findCycle()}
		}
		sort.Slice(ready, func(i, j int) bool {
			a, b := g.descriptors[ready[i]], g.descriptors[ready[j]]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.Name < b.Name
		})
		for _, name := range ready {
			delete(indegree, name)
			remaining--
			for _, dep := range g.dependents[name] {
				if _, pending := indegree[dep]; pending {
					indegree[dep]--
				}
			}
		}
		waves = append(waves, ready)
	}
	return waves, nil
}

// transitiveDependents returns every module that directly or transitively
// depends on the given module, sorted for determinism.
func (g *depGraph) transitiveDependents(module string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.dependents[module]...)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[next] {
			continue
		}
		seen[next] = true
		stack = append(stack, g.dependents[next]...)
	}
	out := sortedKeysBool(seen)
	return out
}

// findCycle extracts one dependency cycle as a path with the entry module
// repeated at the end. Called only after the topological sort has proven a
// cycle exists.
func (g *depGraph) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.descriptors))
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(node string) bool {
		state[node] = inStack
		path = append(path, node)
		for _, dep := range g.dependsOn[node] {
			switch state[dep] {
			case inStack:
				start := slices.Index(path, dep)
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		state[node] = done
		path = path[:len(path)-1]
		return false
	}

	for _, name := range sortedKeys(g.descriptors) {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysBool(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
