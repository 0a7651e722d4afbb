// Package lattice is a module lifecycle and service-orchestration engine
// for embedding inside an application host.
//
// Independently deployable units ("modules") attach a static Descriptor to
// themselves declaring the service they provide, the services they require,
// their storage needs and their teardown behavior. The engine discovers these
// declarations, builds a dependency order, brings the system up through two
// strictly separated initialization phases, and tears it down through a
// priority-ordered, timeout-bounded shutdown sequence.
//
// Basic usage:
//
//	host := lattice.NewHost(logger)
//	host.RegisterModule(&MyModule{})
//	if err := host.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package lattice

import (
	"fmt"
	"time"
)

// Default values applied by the descriptor builder when the module author
// leaves them unset.
const (
	DefaultPriority        = 100
	DefaultGracefulTimeout = 15 * time.Second
	DefaultForcedTimeout   = 3 * time.Second
	DefaultHealthInterval  = 30 * time.Second
)

// Descriptor is the immutable, declarative metadata a module attaches to
// itself. It carries identity, the service the module provides, the services
// it requires, its storage declaration and its shutdown behavior. A
// Descriptor carries no behavior; lifecycle hooks are capability interfaces
// on the module itself (see module.go).
//
// Descriptors are built once with NewDescriptor and never mutated afterwards.
type Descriptor struct {
	// Name is the unique dotted identity of the module, e.g. "core.auth".
	Name string

	// Version is the module version string.
	Version string

	// Description is a human-readable summary of the module's purpose.
	Description string

	// Provides is the globally unique name of the service this module
	// registers after Phase 2, or empty for modules that provide none.
	Provides string

	// Requires lists service names that must be Registered before this
	// module's Phase 2 may run. Order is preserved for error reporting.
	Requires []string

	// Priority orders modules that share a dependency depth; lower starts
	// earlier. Defaults to DefaultPriority.
	Priority int

	// Storage declares the module's database and tables, or nil.
	Storage *StorageSpec

	// Health declares periodic health checking, or nil.
	Health *HealthSpec

	// Graceful configures the cooperative shutdown pass.
	Graceful GracefulSpec

	// Forced configures the fallback shutdown pass.
	Forced ForcedSpec

	// Disabled excludes the module from discovery entirely.
	Disabled bool
}

// StorageSpec declares a module's storage needs. Every table is created in
// the named database during the storage bootstrap, before any module is
// constructed.
type StorageSpec struct {
	// Database is the logical database name; modules declaring the same
	// name share one physical database.
	Database string

	// Tables holds the schema each table needs. DDL must be idempotent
	// (CREATE TABLE IF NOT EXISTS style).
	Tables []TableSpec
}

// TableSpec names a table and carries its idempotent DDL.
type TableSpec struct {
	Name string
	DDL  string
}

// HealthSpec declares periodic health checking for a module whose service
// implements HealthChecker. Registration happens immediately after the
// module reaches StateRegistered.
type HealthSpec struct {
	// Interval between checks. Defaults to DefaultHealthInterval.
	Interval time.Duration

	// Timeout bounds a single check invocation.
	Timeout time.Duration
}

// GracefulSpec configures the cooperative, time-boxed shutdown hook.
type GracefulSpec struct {
	// Timeout bounds the graceful hook; on expiry the coordinator abandons
	// the hook and schedules the forced pass for this module.
	Timeout time.Duration

	// Priority orders modules at equal dependency depth during shutdown;
	// lower shuts down earlier.
	Priority int

	// After lists module names that must shut down before this one,
	// beyond what the dependency graph already implies.
	After []string
}

// ForcedSpec configures the synchronous fallback shutdown hook. It runs only
// for modules whose graceful hook timed out, failed, or was never declared.
type ForcedSpec struct {
	// Timeout bounds the forced hook. Shorter than the graceful timeout.
	Timeout time.Duration
}

// DescriptorBuilder assembles a Descriptor. Obtain one with NewDescriptor,
// chain the With* methods and finish with Build.
type DescriptorBuilder struct {
	d Descriptor
}

// NewDescriptor starts a builder for a module with the given dotted name.
func NewDescriptor(name string) *DescriptorBuilder {
	return &DescriptorBuilder{d: Descriptor{
		Name:     name,
		Priority: DefaultPriority,
		Graceful: GracefulSpec{Timeout: DefaultGracefulTimeout, Priority: DefaultPriority},
		Forced:   ForcedSpec{Timeout: DefaultForcedTimeout},
	}}
}

// WithVersion sets the module version.
func (b *DescriptorBuilder) WithVersion(v string) *DescriptorBuilder {
	b.d.Version = v
	return b
}

// WithDescription sets the human-readable description.
func (b *DescriptorBuilder) WithDescription(desc string) *DescriptorBuilder {
	b.d.Description = desc
	return b
}

// Provides declares the service name this module registers after Phase 2.
func (b *DescriptorBuilder) Provides(service string) *DescriptorBuilder {
	b.d.Provides = service
	return b
}

// Requires appends required service names.
func (b *DescriptorBuilder) Requires(services ...string) *DescriptorBuilder {
	b.d.Requires = append(b.d.Requires, services...)
	return b
}

// WithPriority sets the startup priority (lower starts earlier among
// modules at equal dependency depth).
func (b *DescriptorBuilder) WithPriority(p int) *DescriptorBuilder {
	b.d.Priority = p
	return b
}

// WithStorage declares the module's database and tables.
func (b *DescriptorBuilder) WithStorage(database string, tables ...TableSpec) *DescriptorBuilder {
	b.d.Storage = &StorageSpec{Database: database, Tables: tables}
	return b
}

// WithHealthCheck enables periodic health checking at the given interval.
func (b *DescriptorBuilder) WithHealthCheck(interval, timeout time.Duration) *DescriptorBuilder {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	b.d.Health = &HealthSpec{Interval: interval, Timeout: timeout}
	return b
}

// WithGraceful configures the graceful shutdown spec.
func (b *DescriptorBuilder) WithGraceful(timeout time.Duration, priority int, after ...string) *DescriptorBuilder {
	b.d.Graceful = GracefulSpec{Timeout: timeout, Priority: priority, After: after}
	return b
}

// WithForced configures the forced shutdown timeout.
func (b *DescriptorBuilder) WithForced(timeout time.Duration) *DescriptorBuilder {
	b.d.Forced = ForcedSpec{Timeout: timeout}
	return b
}

// Disable marks the module disabled; discovery skips it.
func (b *DescriptorBuilder) Disable() *DescriptorBuilder {
	b.d.Disabled = true
	return b
}

// Build validates the assembled descriptor and returns it. The returned
// value is owned by the caller and must not be mutated afterwards.
func (b *DescriptorBuilder) Build() (*Descriptor, error) {
	if err := b.d.validate(); err != nil {
		return nil, err
	}
	d := b.d
	d.Requires = append([]string(nil), b.d.Requires...)
	return &d, nil
}

// MustBuild is Build for static package-level descriptors; it panics on an
// invalid descriptor, which is a programming error caught at init time.
func (b *DescriptorBuilder) MustBuild() *Descriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: descriptor has no name", ErrDescriptorInvalid)
	}
	seen := make(map[string]struct{}, len(d.Requires))
	for _, req := range d.Requires {
		if req == "" {
			return fmt.Errorf("%w: module %s requires an empty service name", ErrDescriptorInvalid, d.Name)
		}
		if req == d.Provides {
			return fmt.Errorf("%w: module %s requires its own service %s", ErrDescriptorInvalid, d.Name, req)
		}
		if _, dup := seen[req]; dup {
			return fmt.Errorf("%w: module %s requires service %s twice", ErrDescriptorInvalid, d.Name, req)
		}
		seen[req] = struct{}{}
	}
	if d.Storage != nil && d.Storage.Database == "" {
		return fmt.Errorf("%w: module %s declares storage without a database name", ErrDescriptorInvalid, d.Name)
	}
	if d.Graceful.Timeout <= 0 {
		return fmt.Errorf("%w: module %s has non-positive graceful timeout", ErrDescriptorInvalid, d.Name)
	}
	if d.Forced.Timeout <= 0 {
		return fmt.Errorf("%w: module %s has non-positive forced timeout", ErrDescriptorInvalid, d.Name)
	}
	return nil
}
