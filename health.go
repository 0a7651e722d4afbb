package lattice

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// HealthStatus is the latest evaluation of one module's health check.
type HealthStatus struct {
	Module    string    `json:"module"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
}

// healthBoard runs declared health checks on their descriptor intervals and
// keeps the latest result per module. Checks are registered as modules reach
// StateRegistered and the scheduler starts once bootstrap completes.
type healthBoard struct {
	logger Logger
	cron   *cron.Cron

	mu       sync.RWMutex
	statuses map[string]HealthStatus
}

func newHealthBoard(logger Logger) *healthBoard {
	return &healthBoard{
		logger:   logger,
		cron:     cron.New(),
		statuses: make(map[string]HealthStatus),
	}
}

// register schedules periodic evaluation for one module and records an
// immediate first result so the snapshot never lacks a registered module.
func (b *healthBoard) register(module string, spec *HealthSpec, checker HealthChecker) {
	interval := spec.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = interval
	}

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := checker.CheckHealth(ctx)
		status := HealthStatus{Module: module, Healthy: err == nil, CheckedAt: time.Now()}
		if err != nil {
			status.Error = err.Error()
			b.logger.Warn("health check failed", "module", module, "error", err)
		}
		b.mu.Lock()
		b.statuses[module] = status
		b.mu.Unlock()
	}

	run()
	b.cron.Schedule(cron.Every(interval), cron.FuncJob(run))
}

func (b *healthBoard) start() { b.cron.Start() }

func (b *healthBoard) stop() {
	stopCtx := b.cron.Stop()
	// Let in-flight checks finish, but never hold up shutdown for them.
	select {
	case <-stopCtx.Done():
	case <-time.After(time.Second):
	}
}

// snapshot returns the latest statuses sorted by module name.
func (b *healthBoard) snapshot() []HealthStatus {
	b.mu.RLock()
	out := make([]HealthStatus, 0, len(b.statuses))
	for _, status := range b.statuses {
		out = append(out, status)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}
