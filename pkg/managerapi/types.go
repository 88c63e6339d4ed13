// Package managerapi holds the wire types shared between the Manager's
// HTTP surface, its outbound Runner client, and any Go client of the
// Manager's own API.
package managerapi

import "time"

// TaskRequest is the body of POST /task/execute.
type TaskRequest struct {
	EtabName    string         `json:"etab_name"`
	AppName     string         `json:"app_name"`
	AppVersion  string         `json:"app_version,omitempty"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Affiliation string         `json:"affiliation,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	NotifyURL   string         `json:"notify_url,omitempty"`
}

// TaskResponse is the 2xx body of POST /task/execute.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskStatusResponse is the body of GET /task/status/{id}.
type TaskStatusResponse struct {
	TaskID       string     `json:"task_id"`
	Status       string     `json:"status"`
	EtabName     string     `json:"etab_name"`
	AppName      string     `json:"app_name"`
	TaskType     string     `json:"task_type"`
	RunnerURL    string     `json:"runner_url,omitempty"`
	RunnerName   string     `json:"runner_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// CompletionRequest is the body POST /task/completion accepts, sent by a
// Runner when a task finishes.
type CompletionRequest struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"` // completed | warning | failed
	// RunID is a pointer so a legacy Runner that omits run_id entirely
	// (nil) can be told apart from one that sends an empty string. Only an
	// absent field is accepted as "matches current run"; an empty string is
	// compared against the task's run_id like any other value, so it is
	// treated as stale.
	RunID        *string `json:"run_id,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	ScriptOutput string  `json:"script_output,omitempty"`
}

// CompletionResponse is returned for the 200 and 202 outcomes of
// POST /task/completion; error statuses carry the {"error": ...} body
// instead. The Stale field distinguishes a 202 accepted-and-ignored
// response from a genuine state transition.
type CompletionResponse struct {
	OK    bool `json:"ok"`
	Stale bool `json:"stale,omitempty"`
}

// NotifyPayload is the webhook body the Notify Pipeline posts to a task's
// notify_url. (task_id, run_id) is the client-visible idempotency key.
type NotifyPayload struct {
	TaskID       string `json:"task_id"`
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	ScriptOutput string `json:"script_output,omitempty"`
}

// RegisterRunnerRequest is the body of POST /runner/register.
type RegisterRunnerRequest struct {
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	TaskTypes []string `json:"task_types"`
}

// HeartbeatRequest is the body of POST /runner/heartbeat.
type HeartbeatRequest struct {
	URL string `json:"url"`
}

// OKResponse is the generic {ok:true} success body.
type OKResponse struct {
	OK bool `json:"ok"`
}

// RunnerListEntry is one element of GET /runner/list.
type RunnerListEntry struct {
	URL             string    `json:"url"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Status          string    `json:"status"`
	TaskTypes       []string  `json:"task_types"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// RestartSelectedRequest is the body of POST /tasks/restart-selected.
type RestartSelectedRequest struct {
	TaskIDs []string `json:"task_ids"`
}

// RestartSelectedResponse reports per-task outcome of a restart request.
type RestartSelectedResponse struct {
	Requested []string          `json:"requested"`
	Restarted []string          `json:"restarted"`
	Skipped   map[string]string `json:"skipped"`
	Failed    map[string]string `json:"failed"`
}

// RootResponse is the body of GET /.
type RootResponse struct {
	Message       string `json:"message"`
	Version       string `json:"version"`
	Documentation string `json:"documentation,omitempty"`
}

// RunnerPingResponse is what the Manager expects from GET {runner}/runner/ping.
type RunnerPingResponse struct {
	Available  bool     `json:"available"`
	Registered bool     `json:"registered"`
	TaskTypes  []string `json:"task_types"`
}

// RunnerRunRequest is the body the Manager posts to POST {runner}/task/run.
type RunnerRunRequest struct {
	TaskID              string         `json:"task_id"`
	RunID               string         `json:"run_id"`
	EtabName            string         `json:"etab_name"`
	AppName             string         `json:"app_name"`
	AppVersion          string         `json:"app_version,omitempty"`
	TaskType            string         `json:"task_type"`
	SourceURL           string         `json:"source_url"`
	Affiliation         string         `json:"affiliation,omitempty"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	CompletionCallback  string         `json:"completion_callback"`
}

// StatisticsResponse is the body of the supplemented GET /statistics
// endpoint (SPEC_FULL.md expansion).
type StatisticsResponse struct {
	TasksByStatus map[string]int `json:"tasks_by_status"`
	RunnersTotal  int            `json:"runners_total"`
	DeadLetters   map[string]int `json:"dead_letters"`
}

// DeadLetterEntry is one element of GET /admin/queue/dead-letter.
type DeadLetterEntry struct {
	Kind   string `json:"kind"`
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
}

// AuditEvent mirrors the teacher's hash-chained audit log shape, adapted to
// the Manager actions it records (register, restart-selected).
type AuditEvent struct {
	Sequence    int64  `json:"sequence"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Result      string `json:"result,omitempty"`
	Details     string `json:"details,omitempty"`
	PrevHash    string `json:"prev_hash,omitempty"`
	EventHash   string `json:"event_hash,omitempty"`
	CreatedAt   string `json:"created_at"`
}
