// Package queue implements the work queues backing dispatch and notify
// (SPEC_FULL.md §4.3 expansion): a default in-process slice-backed queue,
// and an optional Redis-backed queue for multi-instance deployments. Neither
// has a capacity limit: Enqueue does not block or fail because a queue is
// full.
package queue

import (
	"context"
	"time"
)

// Kind distinguishes the two independent queues the Manager runs: one for
// dispatch attempts, one for notify deliveries.
type Kind string

const (
	KindDispatch Kind = "dispatch"
	KindNotify   Kind = "notify"
)

// TaskRef is the minimal handle enqueued for a unit of work: which task,
// which run (for the stale-run guard), and which queue it belongs to.
type TaskRef struct {
	TaskID string
	RunID  string
	Kind   Kind
}

// Claim is a leased TaskRef: it must be Acked or Nacked before
// VisibleAt, or it becomes eligible for another consumer via
// RequeueExpired.
type Claim struct {
	Ref       TaskRef
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}

// Queue is the contract both backends implement.
type Queue interface {
	Enqueue(ctx context.Context, ref TaskRef) error
	EnqueueMany(ctx context.Context, refs []TaskRef) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]Claim, error)
	Ack(ctx context.Context, claims []Claim) error
	Nack(ctx context.Context, claims []Claim, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]TaskRef, error)
	RequeueDeadLetters(ctx context.Context, refs []TaskRef) (int, error)
}

func encodeTaskRef(ref TaskRef) string {
	return string(ref.Kind) + "|" + ref.TaskID + "|" + ref.RunID
}

func decodeTaskRef(raw string) (TaskRef, bool) {
	var kind, taskID, runID string
	n := 0
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == '|' {
			part := raw[start:i]
			switch n {
			case 0:
				kind = part
			case 1:
				taskID = part
			case 2:
				runID = part
			}
			n++
			start = i + 1
		}
	}
	if n != 3 || kind == "" || taskID == "" {
		return TaskRef{}, false
	}
	return TaskRef{Kind: Kind(kind), TaskID: taskID, RunID: runID}, true
}
