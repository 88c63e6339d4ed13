// Package notify implements the Manager's completion-callback webhook
// delivery (spec.md §4.4): at-least-once delivery to a task's notify_url,
// exponential backoff, a stale-run guard, and warning-preserving failure
// semantics. Grounded on original_source/manager/app/api/routes/task.py's
// _retry_notify_callback/_set_notify_warning (a background task that sleeps
// through its own retry loop rather than rescheduling itself), adapted to
// the teacher's worker-pool-over-a-queue idiom for the outer dispatch loop.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/observability"
	"github.com/example/manager/internal/queue"
	"github.com/example/manager/pkg/managerapi"
)

// TaskAccessor is the narrow slice of the Task Store the Pipeline needs:
// re-read-before-attempt (for the stale-run guard) and persist-after-attempt.
type TaskAccessor interface {
	Get(taskID string) (domain.Task, bool)
	Put(task domain.Task) error
}

// Config bundles the Pipeline's retry policy (spec.md §4.4 defaults).
type Config struct {
	MaxRetries    int
	BaseDelay     time.Duration
	BackoffFactor float64
	Workers       int
}

// Pipeline delivers completion webhooks with retries, backed by a Queue
// for at-least-once, crash-tolerant enqueue.
type Pipeline struct {
	store  TaskAccessor
	queue  queue.Queue
	client *http.Client
	cfg    Config
}

func New(store TaskAccessor, q queue.Queue, cfg Config) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 60 * time.Second
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1.5
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pipeline{
		store:  store,
		queue:  q,
		client: &http.Client{Timeout: 30 * time.Second},
		cfg:    cfg,
	}
}

// Enqueue schedules a notify attempt for (taskID, runID). Idempotent: the
// queue may hold more than one reference to the same task, but delivery
// skips a reference whose run was superseded (stale-run guard) or whose
// notification was already delivered, so replays are a no-op.
func (p *Pipeline) Enqueue(ctx context.Context, taskID, runID string) error {
	return p.queue.Enqueue(ctx, queue.TaskRef{Kind: queue.KindNotify, TaskID: taskID, RunID: runID})
}

// Run starts cfg.Workers worker goroutines that consume the notify queue
// until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(ctx, fmt.Sprintf("notify-%d", i))
	}
}

func (p *Pipeline) worker(ctx context.Context, id string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claims, err := p.queue.Claim(ctx, 1, id, p.maxTotalVisibility())
		if err != nil {
			log.Printf("notify: claim failed: %v", err)
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
		p.deliverWithRetries(ctx, claim.Ref.TaskID, claim.Ref.RunID)
		if err := p.queue.Ack(ctx, claims); err != nil {
			log.Printf("notify: ack failed for task %s: %v", claim.Ref.TaskID, err)
		}
	}
}

// maxTotalVisibility bounds how long a single claim can be held while its
// own internal retry loop runs, so a crashed worker's claim eventually
// becomes reclaimable.
func (p *Pipeline) maxTotalVisibility() time.Duration {
	total := p.cfg.BaseDelay
	delay := p.cfg.BaseDelay
	for i := 1; i < p.cfg.MaxRetries; i++ {
		delay = time.Duration(float64(delay) * p.cfg.BackoffFactor)
		total += delay
	}
	return total + 5*time.Minute
}

// deliverWithRetries runs the full attempt loop for one (taskID, runID)
// within a single claim, sleeping between attempts exactly as the original
// background-task retry loop does.
func (p *Pipeline) deliverWithRetries(ctx context.Context, taskID, runID string) {
	task, ok := p.store.Get(taskID)
	if !ok {
		return
	}
	if task.RunID != runID {
		return // stale: a restart superseded this run before delivery even began
	}
	if task.NotifyURL == "" {
		return // no-op success per spec.md §4.4
	}
	if task.NotifyDeliveredAt != nil {
		return // already delivered for this run: a replayed reference is a no-op
	}

	delay := p.cfg.BaseDelay
	var lastErr string
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		task, ok = p.store.Get(taskID)
		if !ok || task.RunID != runID {
			return // stale-run guard, re-checked at every attempt
		}

		if err := p.send(ctx, task); err != nil {
			lastErr = err.Error()
			observability.Default.IncCounter("notify_attempt_failed_total", nil, 1)
		} else {
			p.recordDelivered(taskID, runID)
			observability.Default.IncCounter("notify_delivered_total", nil, 1)
			return
		}

		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = time.Duration(math.Round(float64(delay) * p.cfg.BackoffFactor))
	}

	log.Printf("notify: retries exhausted for task %s after %d attempts: %s", taskID, p.cfg.MaxRetries, lastErr)
	p.recordExhausted(taskID, runID, lastErr)
}

func (p *Pipeline) send(ctx context.Context, task domain.Task) error {
	payload, err := json.Marshal(managerapi.NotifyPayload{
		TaskID:       task.TaskID,
		RunID:        task.RunID,
		Status:       task.Status,
		ScriptOutput: task.ScriptOutput,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.NotifyURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify callback %s failed: %s", task.NotifyURL, resp.Status)
	}
	return nil
}

func (p *Pipeline) recordDelivered(taskID, runID string) {
	task, ok := p.store.Get(taskID)
	if !ok || task.RunID != runID {
		return
	}
	now := time.Now().UTC()
	task.NotifyDeliveredAt = &now
	task.NotifyLastError = ""
	if err := p.store.Put(task); err != nil {
		log.Printf("notify: persisting delivery for task %s: %v", taskID, err)
	}
}

// recordExhausted applies warning-preserving failure semantics
// (SPEC_FULL.md expansion, grounded on _set_notify_warning): a task whose
// terminal status was `completed` downgrades to `warning`; tasks already
// failed/timed out/rejected keep their status and simply record the error.
func (p *Pipeline) recordExhausted(taskID, runID, lastErr string) {
	task, ok := p.store.Get(taskID)
	if !ok || task.RunID != runID {
		return
	}
	task.NotifyAttempts += p.cfg.MaxRetries
	task.NotifyLastError = lastErr
	if task.Status == domain.TaskCompleted {
		task.Status = domain.TaskWarning
	}
	if err := p.store.Put(task); err != nil {
		log.Printf("notify: persisting exhaustion for task %s: %v", taskID, err)
	}
}
