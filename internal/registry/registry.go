// Package registry implements the Manager's runner membership table:
// registration, heartbeats, liveness sweeping, and eligible-runner ordering.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/observability"
)

var (
	// ErrVersionMismatch is returned when a runner's MAJOR.MINOR does not
	// match the Manager's own.
	ErrVersionMismatch = errors.New("runner version is incompatible with manager version")
	// ErrUnknownRunner is returned by heartbeat for a URL never registered.
	ErrUnknownRunner = errors.New("runner is not registered")
)

// Registry is the in-memory, process-local set of known runners. It is
// never persisted: after a restart runners are expected to re-register.
type Registry struct {
	managerVersion domain.Version

	mu      sync.RWMutex
	runners map[string]*domain.Runner
}

// New constructs a Registry gated against managerVersion's MAJOR.MINOR.
func New(managerVersion domain.Version) *Registry {
	return &Registry{
		managerVersion: managerVersion,
		runners:        make(map[string]*domain.Runner),
	}
}

// Register adds or replaces the runner at url. Re-registering an existing
// URL rotates its token and task_types (token rotation in place).
func (r *Registry) Register(url, name, token, version string, taskTypes []string) error {
	v, err := domain.ParseVersion(version)
	if err != nil {
		return err
	}
	if !v.CompatibleWith(r.managerVersion) {
		return ErrVersionMismatch
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[url] = &domain.Runner{
		URL:             url,
		Name:            name,
		Token:           token,
		Version:         version,
		TaskTypes:       append([]string(nil), taskTypes...),
		RegisteredAt:    now,
		LastHeartbeatAt: now,
		Status:          domain.RunnerRegistered,
	}
	observability.Default.SetGauge("registry_runners_total", nil, float64(len(r.runners)))
	return nil
}

// Heartbeat refreshes last_heartbeat_at for url and un-marks it unreachable.
func (r *Registry) Heartbeat(url, version string) error {
	v, err := domain.ParseVersion(version)
	if err != nil {
		return err
	}
	if !v.CompatibleWith(r.managerVersion) {
		return ErrVersionMismatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	runner, ok := r.runners[url]
	if !ok {
		return ErrUnknownRunner
	}
	runner.LastHeartbeatAt = time.Now().UTC()
	runner.Version = version
	runner.Status = domain.RunnerRegistered
	return nil
}

// Unregister removes url from the registry. No-op if unknown.
func (r *Registry) Unregister(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, url)
	observability.Default.SetGauge("registry_runners_total", nil, float64(len(r.runners)))
}

// Get returns the runner at url, including its bearer token, for outbound
// calls. Callers must not leak the returned token into logs.
func (r *Registry) Get(url string) (domain.Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[url]
	if !ok {
		return domain.Runner{}, false
	}
	return *runner, true
}

// List returns a stable snapshot of all known runners, for the admin/runner
// list surface. Tokens are never included.
func (r *Registry) List() []domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Snapshot, 0, len(r.runners))
	for _, runner := range r.runners {
		out = append(out, runner.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// FindEligible returns, in stable deterministic order (registered_at
// ascending, ties broken by URL), every currently-registered runner that
// advertises taskType in its last-registered task_types. This is a coarse
// pre-filter only: live eligibility (available, registered, task_types) is
// re-checked per candidate via /runner/ping by the Dispatcher.
func (r *Registry) FindEligible(taskType string) []domain.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Runner, 0, len(r.runners))
	for _, runner := range r.runners {
		if runner.Status != domain.RunnerRegistered {
			continue
		}
		if !domain.SupportsTaskType(runner.TaskTypes, taskType) {
			continue
		}
		out = append(out, *runner)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Sweeper periodically marks runners unreachable once their last heartbeat
// exceeds deadAfter. Modeled on the teacher's controller reconcile-loop
// ticker (controllers.WorkerReconciler.Start).
type Sweeper struct {
	registry *Registry
	interval time.Duration
	deadAfter time.Duration
}

func NewSweeper(reg *Registry, interval, deadAfter time.Duration) *Sweeper {
	return &Sweeper{registry: reg, interval: interval, deadAfter: deadAfter}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	now := time.Now().UTC()
	s.registry.mu.Lock()
	stale := make([]*domain.Runner, 0)
	for _, runner := range s.registry.runners {
		if runner.Status == domain.RunnerRegistered && now.Sub(runner.LastHeartbeatAt) > s.deadAfter {
			stale = append(stale, runner)
		}
	}
	for _, runner := range stale {
		runner.Status = domain.RunnerUnreachable
	}
	s.registry.mu.Unlock()

	for _, runner := range stale {
		observability.Default.IncCounter("registry_runner_marked_unreachable_total", map[string]string{"url": runner.URL}, 1)
	}
}
