package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/manager/internal/domain"
	"github.com/example/manager/internal/queue"
)

type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newFakeStore() *fakeStore { return &fakeStore{tasks: map[string]domain.Task{}} }

func (f *fakeStore) Get(taskID string) (domain.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	return t, ok
}

func (f *fakeStore) Put(task domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.TaskID] = task
	return nil
}

func runPipelineSync(t *testing.T, p *Pipeline, taskID, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Enqueue(ctx, taskID, runID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claims, err := p.queue.Claim(ctx, 1, "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("expected one claim, got %d", len(claims))
	}
	p.deliverWithRetries(ctx, claims[0].Ref.TaskID, claims[0].Ref.RunID)
	if err := p.queue.Ack(ctx, claims); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestDeliverSucceedsOnFirstAttempt(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.Put(domain.Task{TaskID: "t1", RunID: "r1", Status: domain.TaskCompleted, NotifyURL: srv.URL})

	p := New(store, queue.NewMemoryQueue(), Config{MaxRetries: 3, BaseDelay: time.Millisecond, BackoffFactor: 1.5})
	runPipelineSync(t, p, "t1", "r1")

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", hits)
	}
	got, _ := store.Get("t1")
	if got.NotifyDeliveredAt == nil {
		t.Fatalf("expected notify_delivered_at to be set")
	}
	if got.Status != domain.TaskCompleted {
		t.Fatalf("expected status to remain completed, got %s", got.Status)
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.Put(domain.Task{TaskID: "t1", RunID: "r1", Status: domain.TaskCompleted, NotifyURL: srv.URL})

	p := New(store, queue.NewMemoryQueue(), Config{MaxRetries: 5, BaseDelay: time.Millisecond, BackoffFactor: 1.1})
	runPipelineSync(t, p, "t1", "r1")

	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
	got, _ := store.Get("t1")
	if got.NotifyDeliveredAt == nil {
		t.Fatalf("expected eventual delivery")
	}
}

func TestDeliverExhaustionDowngradesCompletedToWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.Put(domain.Task{TaskID: "t1", RunID: "r1", Status: domain.TaskCompleted, NotifyURL: srv.URL})

	p := New(store, queue.NewMemoryQueue(), Config{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffFactor: 1.1})
	runPipelineSync(t, p, "t1", "r1")

	got, _ := store.Get("t1")
	if got.Status != domain.TaskWarning {
		t.Fatalf("expected status downgraded to warning, got %s", got.Status)
	}
	if got.NotifyLastError == "" {
		t.Fatalf("expected notify_last_error to be set")
	}
}

func TestDeliverExhaustionPreservesFailedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.Put(domain.Task{TaskID: "t1", RunID: "r1", Status: domain.TaskFailed, NotifyURL: srv.URL})

	p := New(store, queue.NewMemoryQueue(), Config{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffFactor: 1.1})
	runPipelineSync(t, p, "t1", "r1")

	got, _ := store.Get("t1")
	if got.Status != domain.TaskFailed {
		t.Fatalf("expected status to remain failed, got %s", got.Status)
	}
}

func TestDeliverStaleRunIsSkipped(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newFakeStore()
	store.Put(domain.Task{TaskID: "t1", RunID: "r2", Status: domain.TaskCompleted, NotifyURL: srv.URL})

	p := New(store, queue.NewMemoryQueue(), Config{MaxRetries: 3, BaseDelay: time.Millisecond})
	runPipelineSync(t, p, "t1", "r1") // enqueued for the superseded run_id r1

	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no delivery attempt for stale run, got %d", hits)
	}
}

func TestEmptyNotifyURLIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.Put(domain.Task{TaskID: "t1", RunID: "r1", Status: domain.TaskCompleted, NotifyURL: ""})

	p := New(store, queue.NewMemoryQueue(), Config{MaxRetries: 3, BaseDelay: time.Millisecond})
	runPipelineSync(t, p, "t1", "r1")

	got, _ := store.Get("t1")
	if got.NotifyDeliveredAt != nil {
		t.Fatalf("expected no delivery timestamp for empty notify_url")
	}
}
