package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedLead(t *testing.T, st *SQLiteStore, key string) *model.Lead {
	t.Helper()
	lead, created, err := st.UpsertLead(context.Background(), key, model.LeadFields{
		Channel: model.ChannelEmail,
		Name:    "Jane Doe",
		Company: "Acme",
		Source:  "xlsx",
	}, nil)
	require.NoError(t, err)
	require.True(t, created)
	return lead
}

// --- Leads ---

func TestSQLite_UpsertLead_Create(t *testing.T) {
	st := newTestSQLiteStore(t)

	lead := seedLead(t, st, "jane.doe@acme.com")
	assert.Equal(t, int64(1), lead.Version)
	assert.Equal(t, model.DeliveryPending, lead.Status)
	assert.False(t, lead.DMSent)
	assert.Empty(t, lead.Observations)
}

func TestSQLite_UpsertLead_MergeKeepsExisting(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedLead(t, st, "jane.doe@acme.com")

	// Second arrival with conflicting name and a new title.
	lead, created, err := st.UpsertLead(ctx, "jane.doe@acme.com", model.LeadFields{
		Name:   "J. Doe",
		Title:  "VP Sales",
		Source: "notion",
	}, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Jane Doe", lead.Name, "existing non-empty value wins")
	assert.Equal(t, "VP Sales", lead.Title, "empty column is filled")
	assert.Equal(t, "xlsx", lead.Source)
	assert.Equal(t, int64(1), lead.Version, "merge never touches version")
}

func TestSQLite_UpsertLead_OverwriteColumns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedLead(t, st, "jane.doe@acme.com")

	lead, created, err := st.UpsertLead(ctx, "jane.doe@acme.com", model.LeadFields{
		Name:   "Jane A. Doe",
		Source: "notion",
	}, []string{"source"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Jane Doe", lead.Name, "not in overwrite set")
	assert.Equal(t, "notion", lead.Source, "overwrite wins")
}

func TestSQLite_UpsertLead_ConcurrentCreateMerges(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Both writers race to create the same new key. The loser must fall
	// through to the merge path instead of surfacing a constraint error.
	const workers = 2
	var created atomic.Int32
	errs := make(chan error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			_, isNew, err := st.UpsertLead(ctx, "race@acme.com", model.LeadFields{
				Name:   fmt.Sprintf("Racer %d", n),
				Source: "xlsx",
			}, nil)
			if err != nil {
				errs <- err
				return
			}
			if isNew {
				created.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), created.Load(), "exactly one writer creates the lead")

	leads, err := st.ListLeads(ctx, LeadFilter{})
	require.NoError(t, err)
	assert.Len(t, leads, 1)
}

func TestSQLite_UpsertLead_CreateRaceClassification(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedLead(t, st, "jane.doe@acme.com")

	now := time.Now().UTC()
	_, err := st.db.Exec(
		`INSERT INTO leads (natural_key, created_at, updated_at) VALUES (?, ?, ?)`,
		"jane.doe@acme.com", now, now,
	)
	require.Error(t, err)
	assert.True(t, isCreateRace(err))
	assert.False(t, isCreateRace(ErrValidation))
}

func TestSQLite_UpsertLead_EmptyKey(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, _, err := st.UpsertLead(context.Background(), "", model.LeadFields{Name: "x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSQLite_GetLead_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetLead(context.Background(), 9999)
	assert.True(t, IsNotFound(err))

	_, err = st.GetLeadByNaturalKey(context.Background(), "nobody@nowhere.com")
	assert.True(t, IsNotFound(err))
}

func TestSQLite_UpdateLead_VersionMonotonic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")

	sent := model.DeliverySent
	updated, err := st.UpdateLead(ctx, lead.ID, lead.Version, model.LeadChanges{Status: &sent})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, model.DeliverySent, updated.Status)

	delivered := model.DeliveryDelivered
	updated, err = st.UpdateLead(ctx, lead.ID, updated.Version, model.LeadChanges{Status: &delivered})
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)
}

func TestSQLite_UpdateLead_StaleVersionConflicts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")

	sent := model.DeliverySent
	_, err := st.UpdateLead(ctx, lead.ID, lead.Version, model.LeadChanges{Status: &sent})
	require.NoError(t, err)

	// Second writer still holds version 1.
	failed := model.DeliveryFailed
	_, err = st.UpdateLead(ctx, lead.ID, lead.Version, model.LeadChanges{Status: &failed})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	got, err := st.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.Status, "losing writer must not apply")
	assert.Equal(t, int64(2), got.Version)
}

func TestSQLite_UpdateLead_EmptyChanges(t *testing.T) {
	st := newTestSQLiteStore(t)

	lead := seedLead(t, st, "jane.doe@acme.com")
	_, err := st.UpdateLead(context.Background(), lead.ID, lead.Version, model.LeadChanges{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSQLite_UpdateLead_Enrichment(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")
	updated, err := st.UpdateLead(ctx, lead.ID, lead.Version, model.LeadChanges{
		Enrichment: map[string]any{"opening_line": "Saw your Series B news"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Saw your Series B news", updated.Enrichment["opening_line"])
}

func TestSQLite_GetLeadByProviderMessageID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")
	msgID := "prov-msg-42"
	_, err := st.UpdateLead(ctx, lead.ID, lead.Version, model.LeadChanges{ProviderMessageID: &msgID})
	require.NoError(t, err)

	got, err := st.GetLeadByProviderMessageID(ctx, "prov-msg-42")
	require.NoError(t, err)
	assert.Equal(t, lead.ID, got.ID)

	_, err = st.GetLeadByProviderMessageID(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSQLite_ListLeads_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := seedLead(t, st, "a@acme.com")
	seedLead(t, st, "b@acme.com")

	sent := model.DeliverySent
	_, err := st.UpdateLead(ctx, a.ID, a.Version, model.LeadChanges{Status: &sent})
	require.NoError(t, err)

	leads, err := st.ListLeads(ctx, LeadFilter{Status: model.DeliverySent})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, a.ID, leads[0].ID)

	leads, err = st.ListLeads(ctx, LeadFilter{Source: "xlsx", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, leads, 1)
}

// --- Observations ---

func TestSQLite_AppendObservation_DuplicateKeySkipped(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedLead(t, st, "jane.doe@acme.com")

	obs := model.Observation{
		IdempotencyKey: "batch-7:row-3",
		SourceTag:      "xlsx",
		Payload:        map[string]any{"note": "met at conf"},
	}
	appended, err := st.AppendObservation(ctx, "jane.doe@acme.com", obs)
	require.NoError(t, err)
	assert.True(t, appended)

	// Replay of the same observation is a silent no-op.
	appended, err = st.AppendObservation(ctx, "jane.doe@acme.com", obs)
	require.NoError(t, err)
	assert.False(t, appended)

	lead, err := st.GetLeadByNaturalKey(ctx, "jane.doe@acme.com")
	require.NoError(t, err)
	require.Len(t, lead.Observations, 1)
	assert.Equal(t, "batch-7:row-3", lead.Observations[0].IdempotencyKey)
	assert.Equal(t, "met at conf", lead.Observations[0].Payload["note"])
}

func TestSQLite_AppendObservation_DistinctKeysAccumulate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seedLead(t, st, "jane.doe@acme.com")

	for _, key := range []string{"k1", "k2", "k3"} {
		appended, err := st.AppendObservation(ctx, "jane.doe@acme.com", model.Observation{
			IdempotencyKey: key,
			SourceTag:      "notion",
		})
		require.NoError(t, err)
		assert.True(t, appended)
	}

	lead, err := st.GetLeadByNaturalKey(ctx, "jane.doe@acme.com")
	require.NoError(t, err)
	assert.Len(t, lead.Observations, 3)
}

func TestSQLite_AppendObservation_MissingLead(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.AppendObservation(context.Background(), "nobody@nowhere.com", model.Observation{IdempotencyKey: "k"})
	assert.True(t, IsNotFound(err))
}

func TestSQLite_AppendObservation_MissingKey(t *testing.T) {
	st := newTestSQLiteStore(t)
	seedLead(t, st, "jane.doe@acme.com")

	_, err := st.AppendObservation(context.Background(), "jane.doe@acme.com", model.Observation{})
	assert.ErrorIs(t, err, ErrValidation)
}

// --- Bulk jobs ---

func seedJob(t *testing.T, st *SQLiteStore, n int) (*model.BulkJob, []int64) {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		lead := seedLead(t, st, "lead"+string(rune('a'+i))+"@acme.com")
		ids = append(ids, lead.ID)
	}
	job, err := st.CreateJob(ctx, "intro-v2", model.ChannelEmail, ids)
	require.NoError(t, err)
	return job, ids
}

func TestSQLite_CreateJob_CountersStartPending(t *testing.T) {
	st := newTestSQLiteStore(t)

	job, _ := seedJob(t, st, 3)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 3, job.Pending)
	assert.Zero(t, job.Sent)

	items, err := st.ListJobItems(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, it := range items {
		assert.Equal(t, model.ItemPending, it.Status)
	}
}

func TestSQLite_CreateJob_Validation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateJob(ctx, "", model.ChannelEmail, []int64{1})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = st.CreateJob(ctx, "intro-v2", model.ChannelEmail, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSQLite_UpdateJobStatus_GuardedTransitions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 1)

	err := st.UpdateJobStatus(ctx, job.ID, []model.JobStatus{model.JobPending}, model.JobRunning)
	require.NoError(t, err)

	// pending -> running again loses the guard.
	err = st.UpdateJobStatus(ctx, job.ID, []model.JobStatus{model.JobPending}, model.JobRunning)
	assert.True(t, IsConflict(err))

	err = st.UpdateJobStatus(ctx, job.ID, []model.JobStatus{model.JobRunning}, model.JobPaused)
	require.NoError(t, err)

	err = st.UpdateJobStatus(ctx, job.ID, []model.JobStatus{model.JobPaused, model.JobRunning}, model.JobCancelled)
	require.NoError(t, err)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)
}

func TestSQLite_UpdateJobStatus_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateJobStatus(context.Background(), 404, []model.JobStatus{model.JobPending}, model.JobRunning)
	assert.True(t, IsNotFound(err))
}

func TestSQLite_LeasePendingItems_FlipsBeforeReturn(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 3)

	leased, err := st.LeasePendingItems(ctx, job.ID, 2)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	for _, it := range leased {
		assert.Equal(t, model.ItemProcessing, it.Status)
	}

	// Second lease only sees the remaining pending item.
	leased, err = st.LeasePendingItems(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, leased, 1)

	leased, err = st.LeasePendingItems(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestSQLite_CompleteItem_Outcomes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 3)
	leased, err := st.LeasePendingItems(ctx, job.ID, 3)
	require.NoError(t, err)
	require.Len(t, leased, 3)

	require.NoError(t, st.CompleteItem(ctx, leased[0].ID, model.ItemSent, "", "msg-1"))
	require.NoError(t, st.CompleteItem(ctx, leased[1].ID, model.ItemFailed, "mailbox full", ""))
	require.NoError(t, st.CompleteItem(ctx, leased[2].ID, model.ItemSkipped, "", ""))

	// Completing twice loses the processing guard.
	err = st.CompleteItem(ctx, leased[0].ID, model.ItemFailed, "late failure", "")
	assert.True(t, IsConflict(err))

	// Non-terminal outcome is rejected outright.
	err = st.CompleteItem(ctx, leased[0].ID, model.ItemProcessing, "", "")
	assert.ErrorIs(t, err, ErrValidation)

	items, err := st.ListJobItems(ctx, job.ID)
	require.NoError(t, err)
	byStatus := map[model.ItemStatus]int{}
	for _, it := range items {
		byStatus[it.Status]++
	}
	assert.Equal(t, 1, byStatus[model.ItemSent])
	assert.Equal(t, 1, byStatus[model.ItemFailed])
	assert.Equal(t, 1, byStatus[model.ItemSkipped])
}

func TestSQLite_ResumeStuckItems(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 3)
	leased, err := st.LeasePendingItems(ctx, job.ID, 3)
	require.NoError(t, err)
	require.NoError(t, st.CompleteItem(ctx, leased[0].ID, model.ItemSent, "", "msg-1"))

	// Two items were mid-flight when the process died.
	n, err := st.ResumeStuckItems(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	leased, err = st.LeasePendingItems(ctx, job.ID, 10)
	require.NoError(t, err)
	assert.Len(t, leased, 2, "reset items lease again; sent item does not")
}

func TestSQLite_RecomputeJobCounts_Invariant(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 4)
	leased, err := st.LeasePendingItems(ctx, job.ID, 3)
	require.NoError(t, err)
	require.NoError(t, st.CompleteItem(ctx, leased[0].ID, model.ItemSent, "", "m1"))
	require.NoError(t, st.CompleteItem(ctx, leased[1].ID, model.ItemFailed, "bounce", ""))
	require.NoError(t, st.CompleteItem(ctx, leased[2].ID, model.ItemSkipped, "", ""))

	got, err := st.RecomputeJobCounts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 1, got.Pending)
	assert.Equal(t, 1, got.Sent)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 1, got.Skipped)
	assert.Equal(t, got.Total, got.Pending+got.Sent+got.Failed+got.Skipped)
}

func TestSQLite_RecomputeJobCounts_CountsProcessingAsPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 2)
	_, err := st.LeasePendingItems(ctx, job.ID, 1)
	require.NoError(t, err)

	got, err := st.RecomputeJobCounts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Pending)
	assert.Equal(t, got.Total, got.Pending+got.Sent+got.Failed+got.Skipped)
}

func TestSQLite_ListJobs_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, st, 1)
	require.NoError(t, st.UpdateJobStatus(ctx, job.ID, []model.JobStatus{model.JobPending}, model.JobRunning))

	jobs, err := st.ListJobs(ctx, JobFilter{Status: model.JobRunning})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	jobs, err = st.ListJobs(ctx, JobFilter{Status: model.JobCompleted})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// --- Activity ledger ---

func TestSQLite_AppendActivity_DedupByProviderEventID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")
	rec := model.ActivityRecord{
		LeadID:          &lead.ID,
		Type:            model.ActivityReplyReceived,
		Body:            "interested, send pricing",
		ProviderEventID: "evt-100",
	}

	out, err := st.AppendActivity(ctx, rec)
	require.NoError(t, err)
	assert.NotZero(t, out.ID)

	_, err = st.AppendActivity(ctx, rec)
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	recs, err := st.ListActivity(ctx, lead.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLite_AppendActivity_NoEventIDNeverDedups(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")
	for i := 0; i < 2; i++ {
		_, err := st.AppendActivity(ctx, model.ActivityRecord{
			LeadID: &lead.ID,
			Type:   model.ActivityMessageSent,
			Body:   "sent intro",
		})
		require.NoError(t, err)
	}

	recs, err := st.ListActivity(ctx, lead.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestSQLite_ApplyLeadEvent_AtomicActivityPlusUpdate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")

	sent := model.DeliverySent
	updated, err := st.ApplyLeadEvent(ctx, lead.ID, lead.Version,
		model.LeadChanges{Status: &sent},
		model.ActivityRecord{Type: model.ActivityStatusChanged, Body: "PENDING -> SENT", ProviderEventID: "evt-1"},
	)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	recs, err := st.ListActivity(ctx, lead.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSQLite_ApplyLeadEvent_ReplayLeavesLeadUntouched(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")

	sent := model.DeliverySent
	updated, err := st.ApplyLeadEvent(ctx, lead.ID, lead.Version,
		model.LeadChanges{Status: &sent},
		model.ActivityRecord{Type: model.ActivityStatusChanged, ProviderEventID: "evt-replay"},
	)
	require.NoError(t, err)

	failed := model.DeliveryFailed
	_, err = st.ApplyLeadEvent(ctx, lead.ID, updated.Version,
		model.LeadChanges{Status: &failed},
		model.ActivityRecord{Type: model.ActivityDeliveryFailed, ProviderEventID: "evt-replay"},
	)
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	got, err := st.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestSQLite_ApplyLeadEvent_StaleVersionRollsBackActivity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lead := seedLead(t, st, "jane.doe@acme.com")

	sent := model.DeliverySent
	_, err := st.UpdateLead(ctx, lead.ID, lead.Version, model.LeadChanges{Status: &sent})
	require.NoError(t, err)

	// Webhook arrives with a stale snapshot; the whole unit must roll back.
	failed := model.DeliveryFailed
	_, err = st.ApplyLeadEvent(ctx, lead.ID, lead.Version,
		model.LeadChanges{Status: &failed},
		model.ActivityRecord{Type: model.ActivityDeliveryFailed, ProviderEventID: "evt-stale"},
	)
	assert.True(t, IsConflict(err))

	recs, err := st.ListActivity(ctx, lead.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, recs, "activity from the failed unit must not persist")

	// After reread the same event applies cleanly.
	got, err := st.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	_, err = st.ApplyLeadEvent(ctx, got.ID, got.Version,
		model.LeadChanges{Status: &failed},
		model.ActivityRecord{Type: model.ActivityDeliveryFailed, ProviderEventID: "evt-stale"},
	)
	require.NoError(t, err)
}
