// Package tasks implements the Manager's Task Manager (spec.md §4.3): the
// state machine governing submission, dispatch, completion, timeout
// detection and restart of a Task, built on top of internal/store,
// internal/queue and internal/dispatch. Grounded on the teacher's
// internal/state.MemoryStore locking discipline (a striped lock table
// rather than one global mutex) and controllers.WorkerReconciler's
// periodic-sweep pattern, adapted from a Kubernetes reconcile loop to a
// plain ticker-driven goroutine since the Manager has no API server to
// reconcile against.
package tasks

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/manager/internal/dispatch"
	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/errs"
	"github.com/example/manager/internal/notify"
	"github.com/example/manager/internal/observability"
	"github.com/example/manager/internal/queue"
	"github.com/example/manager/internal/store"
)

// stripeCount bounds the per-task lock table's memory per spec.md §9's
// design note recommending a fixed-size striped lock table hashed by
// task_id rather than one lock per task.
const stripeCount = 1024

// SubmitRequest carries the submission envelope spec.md §4.1/§6.1 names.
// SourceURL/NotifyURL are assumed already SSRF-validated by the caller
// (internal/api); the Task Manager only persists them.
type SubmitRequest struct {
	EtabName    string
	AppName     string
	AppVersion  string
	TaskType    string
	SourceURL   string
	Affiliation string
	Parameters  map[string]any
	NotifyURL   string
	ClientToken string
}

// RestartResult mirrors managerapi.RestartSelectedResponse's shape, kept
// independent of the wire package so this layer has no HTTP dependency.
type RestartResult struct {
	Requested []string
	Restarted []string
	Skipped   map[string]string
	Failed    map[string]string
}

// Config bundles the Task Manager's timing policy (spec.md §4.2/§4.3).
type Config struct {
	DispatchRetryDelay   time.Duration
	DispatchMaxAttempts  int
	ExecutionTimeout     time.Duration
	TimeoutSweepInterval time.Duration
}

// Manager is the Task Manager: the single authority allowed to transition
// a Task's status. All mutation goes through a per-task stripe lock so
// concurrent dispatch/completion/restart calls for different tasks never
// contend, while calls for the same task_id always serialize.
type Manager struct {
	store      store.TaskStore
	dispatchQ  queue.Queue
	dispatcher *dispatch.Dispatcher
	notifier   *notify.Pipeline
	cfg        Config
	stripes    [stripeCount]sync.Mutex
}

func New(st store.TaskStore, dispatchQ queue.Queue, d *dispatch.Dispatcher, n *notify.Pipeline, cfg Config) *Manager {
	if cfg.DispatchRetryDelay <= 0 {
		cfg.DispatchRetryDelay = 15 * time.Second
	}
	if cfg.DispatchMaxAttempts <= 0 {
		cfg.DispatchMaxAttempts = 5
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 5 * time.Hour
	}
	if cfg.TimeoutSweepInterval <= 0 {
		cfg.TimeoutSweepInterval = time.Minute
	}
	return &Manager{store: st, dispatchQ: dispatchQ, dispatcher: d, notifier: n, cfg: cfg}
}

func (m *Manager) lockFor(taskID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return &m.stripes[h.Sum32()%stripeCount]
}

// Submit creates a pending task with a freshly-minted run_id and enqueues
// it for dispatch. It never blocks on runner I/O (spec.md §4.3): the
// dispatch happens asynchronously on the queue-consuming worker.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (domain.Task, error) {
	task := domain.Task{
		TaskID:      uuid.NewString(),
		EtabName:    req.EtabName,
		AppName:     req.AppName,
		AppVersion:  req.AppVersion,
		TaskType:    req.TaskType,
		SourceURL:   req.SourceURL,
		Affiliation: req.Affiliation,
		Parameters:  req.Parameters,
		NotifyURL:   req.NotifyURL,
		ClientToken: req.ClientToken,
		Status:      domain.TaskPending,
		RunID:       uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.Put(task); err != nil {
		return domain.Task{}, errs.Wrap(errs.TransientNetworkError, "persisting submitted task", err)
	}
	if err := m.dispatchQ.Enqueue(ctx, queue.TaskRef{Kind: queue.KindDispatch, TaskID: task.TaskID}); err != nil {
		return domain.Task{}, errs.Wrap(errs.TransientNetworkError, "enqueuing task for dispatch", err)
	}
	observability.Default.IncCounter("tasks_submitted_total", map[string]string{"task_type": task.TaskType}, 1)
	return task, nil
}

// Get returns a task by ID, or NotFoundError.
func (m *Manager) Get(taskID string) (domain.Task, error) {
	task, ok := m.store.Get(taskID)
	if !ok {
		return domain.Task{}, errs.New(errs.NotFoundError, "unknown task_id")
	}
	return task, nil
}

// List returns a filtered, paginated view of known tasks.
func (m *Manager) List(filters store.ListFilters) store.Page {
	return m.store.List(filters)
}

// EnqueuePendingForRedispatch re-enqueues every currently pending task for
// dispatch. Used at startup when redispatch_pending_on_startup is set
// (spec.md §9), through the same queue normal submissions use.
func (m *Manager) EnqueuePendingForRedispatch(ctx context.Context) error {
	page := m.store.List(store.ListFilters{Status: domain.TaskPending})
	refs := make([]queue.TaskRef, 0, len(page.Tasks))
	for _, t := range page.Tasks {
		refs = append(refs, queue.TaskRef{Kind: queue.KindDispatch, TaskID: t.TaskID})
	}
	if len(refs) == 0 {
		return nil
	}
	return m.dispatchQ.EnqueueMany(ctx, refs)
}

// RunDispatchWorkers starts n goroutines consuming the dispatch queue
// until ctx is cancelled.
func (m *Manager) RunDispatchWorkers(ctx context.Context, n int) {
	if n <= 0 {
		n = 4
	}
	for i := 0; i < n; i++ {
		go m.dispatchWorker(ctx, fmt.Sprintf("dispatch-%d", i))
	}
}

func (m *Manager) dispatchWorker(ctx context.Context, consumer string) {
	visibility := m.cfg.DispatchRetryDelay*time.Duration(m.cfg.DispatchMaxAttempts) + 5*time.Minute
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claims, err := m.dispatchQ.Claim(ctx, 1, consumer, visibility)
		if err != nil {
			log.Printf("tasks: dispatch claim failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(claims) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		claim := claims[0]
		m.runDispatchCycle(ctx, claim.Ref.TaskID)
		if err := m.dispatchQ.Ack(ctx, claims); err != nil {
			log.Printf("tasks: dispatch ack failed for task %s: %v", claim.Ref.TaskID, err)
		}
	}
}

// runDispatchCycle owns one task's entire dispatch-retry loop within the
// single claim that picked it up, mirroring internal/notify's
// claim-owns-the-whole-retry-loop pattern: Nack only provides immediate
// re-visibility, not delayed backoff, so the worker sleeps in place.
func (m *Manager) runDispatchCycle(ctx context.Context, taskID string) {
	for attempt := 1; attempt <= m.cfg.DispatchMaxAttempts; attempt++ {
		task, ok := m.store.Get(taskID)
		if !ok {
			return
		}
		if task.Status != domain.TaskPending {
			return // already dispatched, restarted away, or raced with another worker
		}

		outcome := m.dispatcher.Dispatch(ctx, task, task.RunID)
		switch outcome.Kind {
		case dispatch.Dispatched:
			m.applyDispatched(taskID, task.RunID, outcome)
			return
		case dispatch.RunnerRejected:
			m.applyRejected(taskID, task.RunID, outcome.Reason)
			return
		case dispatch.NoRunnerAvailable:
			m.recordDispatchAttempt(taskID, outcome.Reason)
			if attempt == m.cfg.DispatchMaxAttempts {
				m.applyRejected(taskID, task.RunID, "no eligible runner after "+fmt.Sprint(attempt)+" attempts: "+outcome.Reason)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.DispatchRetryDelay):
			}
		}
	}
}

func (m *Manager) applyDispatched(taskID, runID string, outcome dispatch.Outcome) {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, ok := m.store.Get(taskID)
	if !ok || task.RunID != runID || task.Status != domain.TaskPending {
		return
	}
	now := time.Now().UTC()
	task.Status = domain.TaskRunning
	task.RunnerURL = outcome.RunnerURL
	task.RunnerName = outcome.RunnerName
	task.StartedAt = &now
	if err := m.store.Put(task); err != nil {
		log.Printf("tasks: persisting dispatched task %s: %v", taskID, err)
		return
	}
	observability.Default.IncCounter("tasks_dispatched_total", map[string]string{"runner_url": outcome.RunnerURL}, 1)
}

func (m *Manager) applyRejected(taskID, runID, reason string) {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, ok := m.store.Get(taskID)
	if !ok || task.RunID != runID || task.Status != domain.TaskPending {
		return
	}
	now := time.Now().UTC()
	task.Status = domain.TaskRejected
	task.ErrorMessage = reason
	task.CompletedAt = &now
	if err := m.store.Put(task); err != nil {
		log.Printf("tasks: persisting rejected task %s: %v", taskID, err)
		return
	}
	observability.Default.IncCounter("tasks_rejected_total", nil, 1)
	if m.notifier != nil {
		if err := m.notifier.Enqueue(context.Background(), taskID, runID); err != nil {
			log.Printf("tasks: enqueuing notify for rejected task %s: %v", taskID, err)
		}
	}
}

func (m *Manager) recordDispatchAttempt(taskID, reason string) {
	lock := m.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, ok := m.store.Get(taskID)
	if !ok {
		return
	}
	task.DispatchAttempts++
	if err := m.store.Put(task); err != nil {
		log.Printf("tasks: recording dispatch attempt for task %s: %v", taskID, err)
	}
}

// Completion applies a Runner's completion callback (spec.md §4.3):
// unknown task is NotFoundError; a run_id that does not match the task's
// current run_id is StaleError (the caller maps this to HTTP 202, not an
// error page, since a stale completion for a superseded run is an expected
// race, not a fault). A run_id that DOES match current but the task has
// already left running is a duplicate delivery of the completion the
// Manager already recorded: per spec.md §5's ordering guarantee, that is
// an idempotent re-acknowledgement (200, no state change), not a stale
// rejection, so it returns nil rather than StaleError.
//
// A missing run_id (reqRunID == nil: a legacy Runner's completion payload
// that never set run_id) is treated as matching the task's current
// run_id rather than rejected as stale, per spec.md §9's
// backward-compatibility resolution; the acceptance is logged since it
// bypasses the normal run_id race check.
func (m *Manager) Completion(ctx context.Context, taskID string, reqRunID *string, status, errorMessage, scriptOutput string) error {
	lock := m.lockFor(taskID)
	lock.Lock()

	task, ok := m.store.Get(taskID)
	if !ok {
		lock.Unlock()
		return errs.New(errs.NotFoundError, "unknown task_id")
	}
	var runID string
	if reqRunID == nil {
		log.Printf("tasks: completion for task %s omitted run_id; accepting as matching current run %s", taskID, task.RunID)
		runID = task.RunID
	} else {
		runID = *reqRunID
	}
	if task.RunID != runID {
		lock.Unlock()
		return errs.New(errs.StaleError, "completion for a superseded run_id")
	}
	if task.Status != domain.TaskRunning {
		lock.Unlock()
		if domain.IsTerminal(task.Status) {
			// Duplicate delivery of a completion already applied: same
			// run_id, already-terminal status, no state change.
			return nil
		}
		return errs.New(errs.StaleError, "task is not running")
	}

	now := time.Now().UTC()
	task.Status = status
	task.ErrorMessage = errorMessage
	task.ScriptOutput = scriptOutput
	task.CompletedAt = &now
	err := m.store.Put(task)
	lock.Unlock()

	if err != nil {
		return errs.Wrap(errs.TransientNetworkError, "persisting completion", err)
	}
	observability.Default.IncCounter("tasks_completed_total", map[string]string{"status": status}, 1)
	if m.notifier != nil {
		if err := m.notifier.Enqueue(ctx, taskID, runID); err != nil {
			log.Printf("tasks: enqueuing notify for completed task %s: %v", taskID, err)
		}
	}
	return nil
}

// RunTimeoutSweeper periodically marks running tasks whose execution has
// exceeded ExecutionTimeout as timed out (spec.md §4.3), until ctx is
// cancelled.
func (m *Manager) RunTimeoutSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TimeoutSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepTimeouts(ctx)
		}
	}
}

func (m *Manager) sweepTimeouts(ctx context.Context) {
	page := m.store.List(store.ListFilters{Status: domain.TaskRunning})
	now := time.Now().UTC()
	for _, t := range page.Tasks {
		if t.StartedAt == nil || now.Sub(*t.StartedAt) <= m.cfg.ExecutionTimeout {
			continue
		}
		m.applyTimeout(ctx, t.TaskID, t.RunID)
	}
}

func (m *Manager) applyTimeout(ctx context.Context, taskID, runID string) {
	lock := m.lockFor(taskID)
	lock.Lock()

	task, ok := m.store.Get(taskID)
	if !ok || task.RunID != runID || task.Status != domain.TaskRunning {
		lock.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = domain.TaskTimeout
	task.ErrorMessage = "execution timed out"
	task.CompletedAt = &now
	err := m.store.Put(task)
	lock.Unlock()

	if err != nil {
		log.Printf("tasks: persisting timeout for task %s: %v", taskID, err)
		return
	}
	observability.Default.IncCounter("tasks_timed_out_total", nil, 1)
	if m.notifier != nil {
		if err := m.notifier.Enqueue(ctx, taskID, runID); err != nil {
			log.Printf("tasks: enqueuing notify for timed-out task %s: %v", taskID, err)
		}
	}
}

// RestartSelected restarts the named tasks from any terminal state back to
// pending, regenerating each one's run_id and re-enqueuing it for
// dispatch (spec.md §4.3, §6.1). Per-id: skipped with a reason when the
// task is unknown or not terminal; failed when the store write itself
// errors.
func (m *Manager) RestartSelected(ctx context.Context, taskIDs []string) RestartResult {
	result := RestartResult{
		Requested: taskIDs,
		Restarted: []string{},
		Skipped:   map[string]string{},
		Failed:    map[string]string{},
	}
	for _, taskID := range taskIDs {
		if err := m.restartOne(ctx, taskID); err != nil {
			if se, ok := err.(*skipError); ok {
				result.Skipped[taskID] = se.reason
			} else {
				result.Failed[taskID] = err.Error()
			}
			continue
		}
		result.Restarted = append(result.Restarted, taskID)
	}
	return result
}

type skipError struct{ reason string }

func (e *skipError) Error() string { return e.reason }

func (m *Manager) restartOne(ctx context.Context, taskID string) error {
	lock := m.lockFor(taskID)
	lock.Lock()

	task, ok := m.store.Get(taskID)
	if !ok {
		lock.Unlock()
		return &skipError{"unknown task_id"}
	}
	if !domain.IsTerminal(task.Status) {
		lock.Unlock()
		return &skipError{fmt.Sprintf("task is not in a terminal state (status=%s)", task.Status)}
	}

	task.Status = domain.TaskPending
	task.RunID = uuid.NewString() // fresh dispatch cycle: see DESIGN.md run_id timing note
	task.RunnerURL = ""
	task.RunnerName = ""
	task.StartedAt = nil
	task.CompletedAt = nil
	task.ErrorMessage = ""
	task.ScriptOutput = ""
	task.DispatchAttempts = 0
	task.NotifyAttempts = 0
	task.NotifyLastError = ""
	task.NotifyDeliveredAt = nil
	err := m.store.Put(task)
	lock.Unlock()

	if err != nil {
		return fmt.Errorf("persisting restart: %w", err)
	}
	if err := m.dispatchQ.Enqueue(ctx, queue.TaskRef{Kind: queue.KindDispatch, TaskID: taskID}); err != nil {
		return fmt.Errorf("enqueuing restarted task: %w", err)
	}
	observability.Default.IncCounter("tasks_restarted_total", nil, 1)
	return nil
}
