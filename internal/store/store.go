// Package store provides versioned persistence for leads, bulk-send jobs,
// and the activity ledger, with Postgres and SQLite backends.
package store

import (
	"context"

	"github.com/sells-group/outreach-cli/internal/model"
)

// LeadFilter specifies criteria for listing leads.
type LeadFilter struct {
	Status model.DeliveryStatus `json:"status,omitempty"`
	Source string               `json:"source,omitempty"`
	Limit  int                  `json:"limit,omitempty"`
	Offset int                  `json:"offset,omitempty"`
}

// JobFilter specifies criteria for listing bulk jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Store defines the persistence contract for the outreach pipeline.
//
// Leads carry an optimistic-locking version: UpdateLead and ApplyLeadEvent
// are the only paths that mutate status fields after creation, and both
// fail with ErrConcurrencyConflict when the expected version is stale.
// UpsertLead and AppendObservation are the unlocked merge-on-arrival paths
// and never touch the version.
type Store interface {
	// Leads
	//
	// UpsertLead inserts the lead (version=1, empty observations) or merges
	// fields into the existing row: existing non-empty values win unless the
	// column name appears in overwrite. The returned bool is true when a new
	// row was created.
	UpsertLead(ctx context.Context, naturalKey string, fields model.LeadFields, overwrite []string) (*model.Lead, bool, error)
	GetLead(ctx context.Context, id int64) (*model.Lead, error)
	GetLeadByNaturalKey(ctx context.Context, naturalKey string) (*model.Lead, error)
	GetLeadByProviderMessageID(ctx context.Context, messageID string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error)
	// UpdateLead applies changes and bumps version to expectedVersion+1 iff
	// the stored version still equals expectedVersion.
	UpdateLead(ctx context.Context, id int64, expectedVersion int64, changes model.LeadChanges) (*model.Lead, error)
	// AppendObservation atomically appends obs to the lead's observation
	// collection unless an entry with the same idempotency key exists.
	// Returns false (and no error) for a duplicate.
	AppendObservation(ctx context.Context, naturalKey string, obs model.Observation) (bool, error)

	// Bulk jobs
	//
	// CreateJob inserts the job row and all item rows in one transaction
	// with O(1) round trips regardless of the target count.
	CreateJob(ctx context.Context, template string, channel model.Channel, leadIDs []int64) (*model.BulkJob, error)
	GetJob(ctx context.Context, id int64) (*model.BulkJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.BulkJob, error)
	// UpdateJobStatus moves the job to next only when its current status is
	// one of from; otherwise ErrConcurrencyConflict.
	UpdateJobStatus(ctx context.Context, id int64, from []model.JobStatus, next model.JobStatus) error
	// LeasePendingItems atomically flips up to limit pending items (id
	// order) to processing and returns them. The caller performs the
	// external send strictly after the lease is recorded.
	LeasePendingItems(ctx context.Context, jobID int64, limit int) ([]model.BulkJobItem, error)
	// CompleteItem records the terminal outcome of a leased item. The item
	// must still be processing.
	CompleteItem(ctx context.Context, itemID int64, outcome model.ItemStatus, errDetail, providerMessageID string) error
	// ResumeStuckItems resets every processing item of the job back to
	// pending and returns the count; used for crash recovery.
	ResumeStuckItems(ctx context.Context, jobID int64) (int, error)
	// RecomputeJobCounts recounts items by status and rewrites the job's
	// aggregate counters so that pending+sent+failed+skipped == total.
	RecomputeJobCounts(ctx context.Context, jobID int64) (*model.BulkJob, error)
	ListJobItems(ctx context.Context, jobID int64) ([]model.BulkJobItem, error)

	// Activity ledger
	AppendActivity(ctx context.Context, rec model.ActivityRecord) (*model.ActivityRecord, error)
	ListActivity(ctx context.Context, leadID int64, limit int) ([]model.ActivityRecord, error)
	// ApplyLeadEvent runs the webhook mutation unit: append one activity
	// record and apply the optimistic lead update in a single transaction.
	// Replays of an event carrying an already-seen provider event id return
	// ErrDuplicateEvent with no mutation.
	ApplyLeadEvent(ctx context.Context, leadID int64, expectedVersion int64, changes model.LeadChanges, rec model.ActivityRecord) (*model.Lead, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
