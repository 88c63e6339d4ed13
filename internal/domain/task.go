// Package domain holds the Manager's core entities: Task and Runner.
package domain

import "time"

// Task status values. Terminal states only leave via restart.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskWarning   = "warning"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
	TaskRejected  = "rejected"
)

// IsTerminal reports whether status only leaves via an explicit restart.
func IsTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskWarning, TaskFailed, TaskTimeout, TaskRejected:
		return true
	default:
		return false
	}
}

// Task is a unit of work submitted by a client and tracked through its
// entire lifecycle by the Manager.
type Task struct {
	TaskID string `json:"task_id"`

	// Submission envelope, opaque passthrough except for SSRF-checked URLs.
	EtabName    string         `json:"etab_name"`
	AppName     string         `json:"app_name"`
	AppVersion  string         `json:"app_version,omitempty"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Affiliation string         `json:"affiliation,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	NotifyURL   string         `json:"notify_url,omitempty"`
	ClientToken string         `json:"client_token,omitempty"`

	// Assignment.
	RunnerURL  string `json:"runner_url,omitempty"`
	RunnerName string `json:"runner_name,omitempty"`

	// Execution.
	Status       string     `json:"status"`
	RunID        string     `json:"run_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ScriptOutput string     `json:"script_output,omitempty"`

	// Dispatch bookkeeping (not exposed on the wire, but persisted).
	DispatchAttempts int `json:"dispatch_attempts"`

	// Delivery.
	NotifyAttempts    int        `json:"notify_attempts"`
	NotifyLastError   string     `json:"notify_last_error,omitempty"`
	NotifyDeliveredAt *time.Time `json:"notify_delivered_at,omitempty"`
}

// BucketDate is the day-bucket this task belongs to, derived once from
// CreatedAt and fixed for the task's entire life.
func (t Task) BucketDate() string {
	return t.CreatedAt.UTC().Format("2006-01-02")
}

// Clone returns a deep-enough copy safe to hand to a caller outside the lock.
func (t Task) Clone() Task {
	c := t
	if t.Parameters != nil {
		c.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.NotifyDeliveredAt != nil {
		v := *t.NotifyDeliveredAt
		c.NotifyDeliveredAt = &v
	}
	return c
}
