package lattice

import (
	"fmt"
	"iter"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MethodInfo is introspection metadata for one exposed service method. It is
// informational only: nothing checks it at call time. The dashboard surface
// serves it verbatim.
type MethodInfo struct {
	Name        string   `json:"name"`
	Params      []string `json:"params,omitempty"`
	Returns     []string `json:"returns,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// ServiceRecord is one entry in the service registry: a live handle to a
// fully initialized service plus its introspection metadata. Records are
// created by the orchestrator when a module reaches StateRegistered and are
// read-only afterwards, except for removal during shutdown.
type ServiceRecord struct {
	// ID is a time-ordered unique identifier for this registration.
	ID string `json:"id"`

	// Name is the globally unique service name.
	Name string `json:"name"`

	// Module is the identity of the owning module.
	Module string `json:"module"`

	// Handle is the live service instance. Opaque to the registry.
	Handle any `json:"-"`

	// Methods is the exposed method metadata.
	Methods []MethodInfo `json:"methods,omitempty"`

	// Priority is the owning module's declared priority.
	Priority int `json:"priority"`

	// RegisteredAt is when the record entered the registry.
	RegisteredAt time.Time `json:"registeredAt"`
}

// ServiceRegistry is the process-wide mapping from service name to live
// service record. It is created once at host construction, populated only
// during Phase 2, and drained module-by-module during shutdown. All
// operations are safe for concurrent use; registration of one service does
// not block lookups of unrelated ones.
type ServiceRegistry struct {
	mu      sync.RWMutex
	records map[string]*ServiceRecord
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{records: make(map[string]*ServiceRecord)}
}

// Register adds a record. Registering a name that is already present is a
// fatal configuration error, never a silent overwrite.
func (r *ServiceRegistry) Register(rec *ServiceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[rec.Name]; ok {
		return fmt.Errorf("%w: %s (owned by module %s)", ErrServiceAlreadyRegistered, rec.Name, existing.Module)
	}
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = time.Now()
	}
	r.records[rec.Name] = rec
	return nil
}

// Lookup returns the record for name. A missing service is a normal
// condition reported through the bool, not an error.
func (r *ServiceRegistry) Lookup(name string) (*ServiceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return rec, ok
}

// Handle returns the live service handle for name.
func (r *ServiceRegistry) Handle(name string) (any, bool) {
	rec, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	return rec.Handle, true
}

// Unregister removes a single record during shutdown. The registry is never
// bulk-cleared mid-run.
func (r *ServiceRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[name]; !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	delete(r.records, name)
	return nil
}

// Len returns the number of registered services.
func (r *ServiceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// List returns a lazy, restartable sequence of metadata snapshots for
// introspection. The snapshot is taken when iteration starts, so a consumer
// never observes a partially constructed record.
func (r *ServiceRegistry) List() iter.Seq[ServiceRecord] {
	return func(yield func(ServiceRecord) bool) {
		r.mu.RLock()
		snapshot := make([]ServiceRecord, 0, len(r.records))
		for _, rec := range r.records {
			snapshot = append(snapshot, *rec)
		}
		r.mu.RUnlock()
		for _, rec := range snapshot {
			if !yield(rec) {
				return
			}
		}
	}
}

// describeMethods derives method metadata for a service handle. Modules that
// implement MethodDescriber supply their own metadata; otherwise the
// exported method set is reflected.
func describeMethods(module Module, handle any) []MethodInfo {
	if md, ok := module.(MethodDescriber); ok {
		return md.ServiceMethods()
	}
	return reflectMethods(handle)
}

func reflectMethods(handle any) []MethodInfo {
	if handle == nil {
		return nil
	}
	t := reflect.TypeOf(handle)
	methods := make([]MethodInfo, 0, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		info := MethodInfo{Name: m.Name}
		// Skip the receiver in the parameter list.
		for j := 1; j < m.Type.NumIn(); j++ {
			info.Params = append(info.Params, m.Type.In(j).String())
		}
		for j := 0; j < m.Type.NumOut(); j++ {
			info.Returns = append(info.Returns, m.Type.Out(j).String())
		}
		methods = append(methods, info)
	}
	return methods
}

// newRecordID generates a time-ordered unique identifier, falling back to a
// random one if v7 generation fails.
func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
