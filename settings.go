package lattice

import (
	"sync"
)

// SettingsSchema is a module's declared configuration schema: the default
// settings value plus optional per-field documentation. Actual loading of
// values from files or the environment belongs to the embedding host's
// configuration collaborator; the engine only collects the declarations.
type SettingsSchema struct {
	// Defaults is a pointer to the module's settings struct carrying
	// default values.
	Defaults any

	// Doc maps field names to free-text descriptions.
	Doc map[string]string
}

// SettingsSink collects settings schemas during Phase 1. It is the only
// shared mutable state reachable from Phase 1 hooks and therefore tolerates
// fully concurrent writes, keyed by module identity.
type SettingsSink struct {
	mu      sync.RWMutex
	schemas map[string]SettingsSchema
}

// NewSettingsSink creates an empty sink.
func NewSettingsSink() *SettingsSink {
	return &SettingsSink{schemas: make(map[string]SettingsSchema)}
}

// RegisterSchema records the schema for a module, replacing any previous
// registration by the same module.
func (s *SettingsSink) RegisterSchema(module string, schema SettingsSchema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[module] = schema
}

// Schema returns the schema registered by a module.
func (s *SettingsSink) Schema(module string) (SettingsSchema, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schema, ok := s.schemas[module]
	return schema, ok
}

// Modules returns the identities that registered a schema, in no particular
// order.
func (s *SettingsSink) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.schemas))
	for name := range s.schemas {
		names = append(names, name)
	}
	return names
}
