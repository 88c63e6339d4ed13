package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/manager/internal/domain"
)

// JSONStore is the default, spec-mandated TaskStore backend: one JSON file
// per day (`YYYY-MM-DD.json`) under root, each mapping task_id -> Task.
type JSONStore struct {
	root string

	mu    sync.Mutex
	cache map[string]domain.Task // task_id -> task, across all buckets
}

// NewJSONStore constructs a store rooted at dir. The directory is created
// if it does not already exist.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating task store root %s: %w", dir, err)
	}
	return &JSONStore{root: dir, cache: make(map[string]domain.Task)}, nil
}

func (s *JSONStore) bucketPath(bucketDate string) string {
	return filepath.Join(s.root, bucketDate+".json")
}

// LoadAll reads every day-bucket file under root. A corrupt bucket is
// quarantined (renamed aside) with a WARN log; other buckets still load.
func (s *JSONStore) LoadAll() ([]domain.Task, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading task store root: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.Task
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		bucketDate := strings.TrimSuffix(name, ".json")
		path := filepath.Join(s.root, name)

		bucket, err := loadBucket(path)
		if err != nil {
			quarantined := path + ".corrupt-" + time.Now().UTC().Format("20060102150405")
			log.Printf("WARN: store: bucket %s is corrupt (%v), quarantining as %s", name, err, filepath.Base(quarantined))
			if renameErr := os.Rename(path, quarantined); renameErr != nil {
				log.Printf("WARN: store: could not quarantine corrupt bucket %s: %v", name, renameErr)
			}
			continue
		}
		for taskID, task := range bucket {
			if task.BucketDate() != bucketDate {
				log.Printf("WARN: store: task %s in bucket %s has created_at bucket %s, keeping under file bucket", taskID, bucketDate, task.BucketDate())
			}
			s.cache[taskID] = task
			all = append(all, task)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

func loadBucket(path string) (map[string]domain.Task, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bucket map[string]domain.Task
	if err := json.Unmarshal(b, &bucket); err != nil {
		return nil, err
	}
	return bucket, nil
}

// Put writes task through to its day-bucket atomically (write-temp,
// fsync, rename) and updates the in-memory cache. A task_id lives in
// exactly one bucket for its entire life, determined once by CreatedAt.
func (s *JSONStore) Put(task domain.Task) error {
	bucketDate := task.BucketDate()
	path := s.bucketPath(bucketDate)

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, err := loadBucket(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading bucket %s before write: %w", bucketDate, err)
		}
		bucket = make(map[string]domain.Task)
	}
	bucket[task.TaskID] = task

	if err := writeBucketAtomic(path, bucket); err != nil {
		return err
	}

	s.cache[task.TaskID] = task
	return nil
}

func writeBucketAtomic(path string, bucket map[string]domain.Task) error {
	b, err := json.MarshalIndent(bucket, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bucket %s: %w", filepath.Base(path), err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening temp bucket file %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("writing temp bucket file %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp bucket file %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp bucket file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// Get returns a cached task by ID.
func (s *JSONStore) Get(taskID string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.cache[taskID]
	return task, ok
}

// List returns a filtered, paginated, created_at-descending view of the
// in-memory cache.
func (s *JSONStore) List(filters ListFilters) Page {
	s.mu.Lock()
	matches := make([]domain.Task, 0, len(s.cache))
	for _, task := range s.cache {
		if matchesFilters(task, filters) {
			matches = append(matches, task)
		}
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })

	total := len(matches)
	start := filters.Offset
	if start > total {
		start = total
	}
	end := total
	if filters.Limit > 0 && start+filters.Limit < end {
		end = start + filters.Limit
	}
	return Page{Tasks: matches[start:end], Total: total}
}

func matchesFilters(task domain.Task, f ListFilters) bool {
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	if f.TaskType != "" && task.TaskType != f.TaskType {
		return false
	}
	if f.EtabName != "" && task.EtabName != f.EtabName {
		return false
	}
	if f.AppName != "" && task.AppName != f.AppName {
		return false
	}
	if !f.From.IsZero() && task.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && task.CreatedAt.After(f.To) {
		return false
	}
	return true
}
