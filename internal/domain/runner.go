package domain

import "time"

// Runner status values.
const (
	RunnerRegistered  = "registered"
	RunnerUnreachable = "unreachable"
	RunnerRemoved     = "removed"
)

// Runner is a remote HTTP worker known to the Manager. Identity is its
// canonical URL. Runner state is never persisted across restart.
type Runner struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Token string `json:"-"` // never serialized, never logged

	Version   string   `json:"version"`
	TaskTypes []string `json:"task_types"`

	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`

	Status string `json:"status"`
}

// Snapshot is the public view of a Runner returned by list().
type Snapshot struct {
	URL             string    `json:"url"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	TaskTypes       []string  `json:"task_types"`
	Status          string    `json:"status"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

func (r Runner) Snapshot() Snapshot {
	types := make([]string, len(r.TaskTypes))
	copy(types, r.TaskTypes)
	return Snapshot{
		URL:             r.URL,
		Name:            r.Name,
		Version:         r.Version,
		TaskTypes:       types,
		Status:          r.Status,
		RegisteredAt:    r.RegisteredAt,
		LastHeartbeatAt: r.LastHeartbeatAt,
	}
}

// SupportsTaskType reports whether the runner's advertised task_types
// (fetched transiently via ping, not this cached slice) includes taskType.
func SupportsTaskType(taskTypes []string, taskType string) bool {
	for _, t := range taskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
