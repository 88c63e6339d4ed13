// Package dispatch implements the Manager's runner-selection algorithm
// (spec.md §4.2): ping each eligible candidate in deterministic order,
// run on the first one that reports itself available, and report a typed
// outcome the Task Manager's state machine can act on.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/observability"
	"github.com/example/manager/internal/registry"
	"github.com/example/manager/internal/runnerclient"
	"github.com/example/manager/pkg/managerapi"
)

// OutcomeKind discriminates a DispatchOutcome.
type OutcomeKind int

const (
	NoRunnerAvailable OutcomeKind = iota
	Dispatched
	RunnerRejected
)

// Outcome is the result of one dispatch(task) call (spec.md §4.2).
type Outcome struct {
	Kind       OutcomeKind
	RunnerURL  string
	RunnerName string
	Reason     string
}

// Dispatcher selects an eligible runner for a task and invokes its
// POST /task/run.
type Dispatcher struct {
	registry *registry.Registry
	client   *runnerclient.Client

	pingTimeout     time.Duration
	dispatchTimeout time.Duration

	completionCallbackBase string
}

// Config bundles the Dispatcher's construction parameters.
type Config struct {
	PingTimeout     time.Duration
	DispatchTimeout time.Duration
	// CompletionCallbackBase is the Manager's own externally-reachable base
	// URL, used to build the completion_callback every dispatched task
	// carries (e.g. "https://manager.example.org").
	CompletionCallbackBase string
}

func New(reg *registry.Registry, client *runnerclient.Client, cfg Config) *Dispatcher {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry:                reg,
		client:                  client,
		pingTimeout:             cfg.PingTimeout,
		dispatchTimeout:         cfg.DispatchTimeout,
		completionCallbackBase: cfg.CompletionCallbackBase,
	}
}

// Dispatch runs the selection algorithm for task and returns the outcome.
// It never mutates task; the caller (Task Manager) is responsible for
// applying the resulting state transition.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task, runID string) Outcome {
	ctx, span := observability.StartSpan(ctx, "dispatch.select")
	defer span.End()

	candidates := d.registry.FindEligible(task.TaskType)
	if len(candidates) == 0 {
		return Outcome{Kind: NoRunnerAvailable, Reason: "no eligible runner"}
	}

	var lastErr error
	for _, runner := range candidates {
		pingCtx, cancel := context.WithTimeout(ctx, d.pingTimeout)
		ping, err := d.client.Ping(pingCtx, runner.URL, runner.Token)
		cancel()
		if err != nil {
			lastErr = err
			observability.Default.IncCounter("dispatch_ping_failed_total", map[string]string{"runner_url": runner.URL}, 1)
			continue
		}
		if !ping.Available || !ping.Registered || !domain.SupportsTaskType(ping.TaskTypes, task.TaskType) {
			continue
		}

		runCtx, cancel := context.WithTimeout(ctx, d.dispatchTimeout)
		err = d.client.Run(runCtx, runner.URL, runner.Token, managerapi.RunnerRunRequest{
			TaskID:             task.TaskID,
			RunID:              runID,
			EtabName:           task.EtabName,
			AppName:            task.AppName,
			AppVersion:         task.AppVersion,
			TaskType:           task.TaskType,
			SourceURL:          task.SourceURL,
			Affiliation:        task.Affiliation,
			Parameters:         task.Parameters,
			CompletionCallback: d.completionCallbackBase + "/task/completion",
		})
		cancel()
		if err == nil {
			observability.Default.IncCounter("dispatch_succeeded_total", map[string]string{"runner_url": runner.URL}, 1)
			return Outcome{Kind: Dispatched, RunnerURL: runner.URL, RunnerName: runner.Name}
		}

		var runErr *runnerclient.RunError
		if errors.As(err, &runErr) {
			observability.Default.IncCounter("dispatch_rejected_total", map[string]string{"runner_url": runner.URL}, 1)
			return Outcome{Kind: RunnerRejected, Reason: runErr.Error()}
		}
		lastErr = err
		observability.Default.IncCounter("dispatch_run_failed_total", map[string]string{"runner_url": runner.URL}, 1)
	}

	if lastErr != nil {
		return Outcome{Kind: NoRunnerAvailable, Reason: "no eligible runner: " + lastErr.Error()}
	}
	return Outcome{Kind: NoRunnerAvailable, Reason: "no eligible runner"}
}
