// Package health aggregates component health checks and feeds probe results
// into the degradation FSM.
package health

import (
	"context"
	"sync"
	"time"

	"tradecore/internal/core"
)

// FailureFeed receives probe outcomes; the mode manager satisfies it.
type FailureFeed interface {
	RecordFailure(ctx context.Context, source, reason string)
	RecordSuccess(ctx context.Context, source string)
}

// Registry implements core.IHealthMonitor.
type Registry struct {
	logger   core.ILogger
	feed     FailureFeed
	interval time.Duration

	mu     sync.RWMutex
	checks map[string]func() error

	quit chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

func NewRegistry(logger core.ILogger, feed FailureFeed, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Registry{
		logger:   logger.WithField("component", "health_registry"),
		feed:     feed,
		interval: interval,
		checks:   make(map[string]func() error),
		quit:     make(chan struct{}),
	}
}

// Register adds a health check for a component.
func (r *Registry) Register(component string, check func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[component] = check
}

// GetStatus returns the current status of all registered components.
func (r *Registry) GetStatus() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range r.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// Component returns one component's status and whether it is registered.
func (r *Registry) Component(name string) (string, bool) {
	r.mu.RLock()
	check, ok := r.checks[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	if err := check(); err != nil {
		return "Unhealthy: " + err.Error(), true
	}
	return "Healthy", true
}

// IsHealthy returns true when every registered component passes its check.
func (r *Registry) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, check := range r.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Start launches the periodic probe loop feeding the degradation FSM.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.quit:
				return
			case <-ticker.C:
				r.Probe(ctx)
			}
		}
	}()
}

// Stop halts the probe loop.
func (r *Registry) Stop() {
	r.stop.Do(func() { close(r.quit) })
	r.wg.Wait()
}

// Probe runs every check once and reports outcomes to the failure feed.
func (r *Registry) Probe(ctx context.Context) {
	r.mu.RLock()
	checks := make(map[string]func() error, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	for name, check := range checks {
		if err := check(); err != nil {
			r.logger.Warn("health probe failed", "component", name, "error", err)
			if r.feed != nil {
				r.feed.RecordFailure(ctx, name, err.Error())
			}
			continue
		}
		if r.feed != nil {
			r.feed.RecordSuccess(ctx, name)
		}
	}
}
