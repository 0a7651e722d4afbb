package lattice

import (
	"context"
	"slices"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Lifecycle event types emitted by the host, in CloudEvents reverse-domain
// notation.
const (
	EventTypeStorageReady      = "com.lattice.storage.ready"
	EventTypeModuleDiscovered  = "com.lattice.module.discovered"
	EventTypeModulePhase1Done  = "com.lattice.module.phase1done"
	EventTypeModuleConstructed = "com.lattice.module.constructed"
	EventTypeModuleRegistered  = "com.lattice.module.registered"
	EventTypeModuleFailed      = "com.lattice.module.failed"
	EventTypeModuleStopped     = "com.lattice.module.stopped"
	EventTypeShutdownStarted   = "com.lattice.shutdown.started"
	EventTypeShutdownCompleted = "com.lattice.shutdown.completed"
)

// eventSource is the CloudEvents source attribute for engine-emitted events.
const eventSource = "lattice/host"

// Observer receives lifecycle events from the host. Observers should return
// quickly; a slow or failing observer is logged and never blocks the
// lifecycle itself.
type Observer interface {
	// OnEvent is called for each event the observer subscribed to.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID identifies the observer for registration and logs.
	ObserverID() string
}

// NewLifecycleEvent builds a CloudEvent for a lifecycle transition. The
// event ID is a UUIDv7 so IDs sort by emission time.
func NewLifecycleEvent(eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// moduleEventData is the payload attached to module-scoped events.
type moduleEventData struct {
	Module string `json:"module"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

type observerEntry struct {
	observer   Observer
	eventTypes []string
}

// observerSet holds registered observers and fans events out to them.
type observerSet struct {
	mu      sync.RWMutex
	entries []observerEntry
}

// register adds an observer for the given event types; no types means all
// events.
func (s *observerSet) register(obs Observer, eventTypes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, observerEntry{observer: obs, eventTypes: eventTypes})
}

// unregister removes an observer. Idempotent.
func (s *observerSet) unregister(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = slices.DeleteFunc(s.entries, func(e observerEntry) bool {
		return e.observer.ObserverID() == obs.ObserverID()
	})
}

// notify delivers the event to every matching observer, logging failures.
func (s *observerSet) notify(ctx context.Context, logger Logger, event cloudevents.Event) {
	s.mu.RLock()
	entries := slices.Clone(s.entries)
	s.mu.RUnlock()

	for _, entry := range entries {
		if len(entry.eventTypes) > 0 && !slices.Contains(entry.eventTypes, event.Type()) {
			continue
		}
		if err := entry.observer.OnEvent(ctx, event); err != nil {
			logger.Warn("observer failed",
				"observer", entry.observer.ObserverID(), "event", event.Type(), "error", err)
		}
	}
}

// FuncObserver adapts a function into an Observer.
type FuncObserver struct {
	ID      string
	Handler func(ctx context.Context, event cloudevents.Event) error
}

func (o *FuncObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return o.Handler(ctx, event)
}

func (o *FuncObserver) ObserverID() string { return o.ID }
