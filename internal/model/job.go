package model

import "time"

// JobStatus is the lifecycle state of a bulk-send job.
//
//	pending → running → {completed, failed, cancelled}
//	running → paused → {running, cancelled}
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning || next == JobCancelled
	case JobRunning:
		return next == JobPaused || next == JobCompleted || next == JobFailed || next == JobCancelled
	case JobPaused:
		return next == JobRunning || next == JobCancelled
	}
	return false
}

// ItemStatus is the lifecycle state of a single bulk-job item.
//
//	pending → processing → {sent, failed, skipped}
//
// The recovery sweep may reset processing back to pending after an unclean
// shutdown; normal progress never moves an item backwards.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemSent       ItemStatus = "sent"
	ItemFailed     ItemStatus = "failed"
	ItemSkipped    ItemStatus = "skipped"
)

// Terminal reports whether the item has reached a final outcome.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemSent, ItemFailed, ItemSkipped:
		return true
	}
	return false
}

// BulkJob is one batch outbound send operation. The counters are
// recomputed from the item rows and always satisfy
// pending + sent + failed + skipped == total, where pending includes
// items currently leased (processing).
type BulkJob struct {
	ID        int64     `json:"id"`
	Template  string    `json:"template"`
	Channel   Channel   `json:"channel"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BulkJobItem is one individually-trackable send within a job.
type BulkJobItem struct {
	ID                int64      `json:"id"`
	JobID             int64      `json:"job_id"`
	LeadID            int64      `json:"lead_id"`
	Status            ItemStatus `json:"status"`
	Error             string     `json:"error,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
