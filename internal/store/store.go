// Package store persists Tasks into daily JSON buckets and serves them back
// from an in-memory cache, per spec.md §4.6.
package store

import (
	"time"

	"github.com/example/manager/internal/domain"
)

// ListFilters narrows List to a subset of the in-memory cache.
type ListFilters struct {
	Status   string
	TaskType string
	EtabName string
	AppName  string
	From     time.Time
	To       time.Time

	Offset int
	Limit  int
}

// Page is one page of a filtered task listing.
type Page struct {
	Tasks []domain.Task
	Total int
}

// TaskStore is the Task persistence contract spec.md §4.6 names. Every
// concrete backend (JSON day-bucket, Postgres) implements it identically.
type TaskStore interface {
	// LoadAll reads every persisted task at startup into the in-memory
	// cache backing Get/List.
	LoadAll() ([]domain.Task, error)
	// Put atomically writes task through to its day-bucket (determined
	// by task.CreatedAt) and updates the in-memory cache.
	Put(task domain.Task) error
	// Get returns a cached task by ID.
	Get(taskID string) (domain.Task, bool)
	// List returns a filtered, paginated view of the in-memory cache.
	List(filters ListFilters) Page
}
