package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/manager/internal/domain"
)

func newTestStore(t *testing.T) *JSONStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewJSONStore(dir)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	return s
}

func sampleTask(id string, createdAt time.Time) domain.Task {
	return domain.Task{
		TaskID:    id,
		EtabName:  "etab-1",
		AppName:   "app-1",
		TaskType:  "transcode",
		SourceURL: "https://example.com/src.mp4",
		Status:    domain.TaskPending,
		CreatedAt: createdAt,
	}
}

func TestPutWritesToBucketMatchingCreatedAt(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := sampleTask("task-1", created)

	if err := s.Put(task); err != nil {
		t.Fatalf("Put: %v", err)
	}

	path := filepath.Join(s.root, "2026-03-01.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected bucket file at %s: %v", path, err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, got err=%v", err)
	}

	got, ok := s.Get("task-1")
	if !ok || got.TaskID != "task-1" {
		t.Fatalf("expected cached task-1, got %+v ok=%v", got, ok)
	}
}

func TestPutKeepsTaskInSameBucketAcrossUpdates(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	task := sampleTask("task-1", created)
	_ = s.Put(task)

	task.Status = domain.TaskRunning
	if err := s.Put(task); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	otherBucket := filepath.Join(s.root, "2026-03-02.json")
	if _, err := os.Stat(otherBucket); !os.IsNotExist(err) {
		t.Fatalf("did not expect a second bucket file, err=%v", err)
	}
}

func TestLoadAllQuarantinesCorruptBucket(t *testing.T) {
	s := newTestStore(t)
	good := sampleTask("task-good", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	_ = s.Put(good)

	corruptPath := filepath.Join(s.root, "2026-03-02.json")
	if err := os.WriteFile(corruptPath, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("writing corrupt bucket: %v", err)
	}

	fresh, err := NewJSONStore(s.root)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	tasks, err := fresh.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != "task-good" {
		t.Fatalf("expected only the good task to load, got %+v", tasks)
	}

	if _, err := os.Stat(corruptPath); !os.IsNotExist(err) {
		t.Fatalf("expected corrupt bucket to be moved aside, err=%v", err)
	}
	matches, _ := filepath.Glob(corruptPath + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected one quarantined file, got %v", matches)
	}
}

func TestLoadAllReadsAcrossMultipleBuckets(t *testing.T) {
	s := newTestStore(t)
	_ = s.Put(sampleTask("task-1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	_ = s.Put(sampleTask("task-2", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)))

	fresh, err := NewJSONStore(s.root)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	tasks, err := fresh.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks loaded, got %d", len(tasks))
	}
	if _, ok := fresh.Get("task-1"); !ok {
		t.Fatalf("expected task-1 cached after LoadAll")
	}
	if _, ok := fresh.Get("task-2"); !ok {
		t.Fatalf("expected task-2 cached after LoadAll")
	}
}

func TestListFiltersByStatusAndPaginates(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		task := sampleTask(filepathID(i), base.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			task.Status = domain.TaskCompleted
		}
		_ = s.Put(task)
	}

	page := s.List(ListFilters{Status: domain.TaskCompleted, Limit: 2})
	if page.Total != 3 {
		t.Fatalf("expected 3 completed tasks total, got %d", page.Total)
	}
	if len(page.Tasks) != 2 {
		t.Fatalf("expected page limited to 2, got %d", len(page.Tasks))
	}
	// newest first
	if !page.Tasks[0].CreatedAt.After(page.Tasks[1].CreatedAt) {
		t.Fatalf("expected descending created_at order")
	}
}

func filepathID(i int) string {
	return "task-" + string(rune('a'+i))
}

func TestBucketFileIsValidJSONObject(t *testing.T) {
	s := newTestStore(t)
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = s.Put(sampleTask("task-1", created))

	b, err := os.ReadFile(filepath.Join(s.root, "2026-03-01.json"))
	if err != nil {
		t.Fatalf("reading bucket: %v", err)
	}
	var m map[string]domain.Task
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("bucket is not a valid task_id->Task object: %v", err)
	}
	if _, ok := m["task-1"]; !ok {
		t.Fatalf("expected task-1 key in bucket")
	}
}
