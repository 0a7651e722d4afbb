package lattice

import (
	"errors"
	"fmt"
)

// Engine errors. Startup failures are module-scoped wherever possible; the
// two whole-system fatals are ErrStorageBootstrap and ErrCyclicDependency.
var (
	// Descriptor errors
	ErrDescriptorInvalid   = errors.New("invalid module descriptor")
	ErrDescriptorParse     = errors.New("failed to parse module descriptor")
	ErrDescriptorNotFound  = errors.New("no descriptor found for module")
	ErrDuplicateModuleName = errors.New("duplicate module name")

	// Graph errors
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// Storage bootstrap errors
	ErrStorageBootstrap = errors.New("storage bootstrap failed")

	// Orchestration errors
	ErrMissingRequiredService = errors.New("required service not available")
	ErrPhase1Failed           = errors.New("phase 1 hook failed")
	ErrPhase2Failed           = errors.New("phase 2 hook failed")
	ErrPhase2Timeout          = errors.New("phase 2 deadline exceeded")
	ErrConstructFailed        = errors.New("service construction failed")
	ErrBootstrapNotRun        = errors.New("host has not been bootstrapped")
	ErrAlreadyBootstrapped    = errors.New("host already bootstrapped")

	// Service registry errors
	ErrServiceAlreadyRegistered = errors.New("service already registered")
	ErrServiceNotFound          = errors.New("service not found")

	// Shutdown errors
	ErrShutdownHookTimeout = errors.New("shutdown hook deadline exceeded")
	ErrShutdownHookFailed  = errors.New("shutdown hook failed")
	ErrShutdownHookPanic   = errors.New("shutdown hook panicked")
	ErrAlreadyShutDown     = errors.New("host already shut down")
)

// ModuleError attaches the offending module identity to a machine-readable
// error kind. Kind is always one of the sentinel errors above, so callers
// can match with errors.Is while logs keep the module name.
type ModuleError struct {
	Module string
	Kind   error
	Err    error
}

func (e *ModuleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("module %s: %v", e.Module, e.Kind)
	}
	return fmt.Sprintf("module %s: %v: %v", e.Module, e.Kind, e.Err)
}

func (e *ModuleError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func moduleErr(module string, kind, err error) *ModuleError {
	return &ModuleError{Module: module, Kind: kind, Err: err}
}

// CycleError is returned when the dependency graph contains a cycle. It
// names the cycle as a module path with the first module repeated at the
// end, e.g. [a b c a].
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %v", ErrCyclicDependency, e.Cycle)
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }
