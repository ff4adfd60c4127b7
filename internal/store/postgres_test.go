package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/outreach-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func leadRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "natural_key", "channel", "name", "company", "title", "source",
		"status", "dm_sent", "provider_message_id", "enrichment", "observations",
		"version", "created_at", "updated_at",
	})
}

func sampleLeadRow(rows *pgxmock.Rows, version int64) *pgxmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(
		int64(1), "jane.doe@acme.com", "email", "Jane Doe", "Acme", "", "xlsx",
		"PENDING", false, "", []byte(nil), []byte(`[]`),
		version, now, now,
	)
}

func TestPostgresStore_GetLead_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM leads WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLead(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLead_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "natural_key", "channel", "name", "company", "title", "source",
		"status", "dm_sent", "provider_message_id", "enrichment", "observations",
		"version", "created_at", "updated_at", "created",
	})
	now := time.Now().UTC()
	rows.AddRow(
		int64(1), "jane.doe@acme.com", "email", "Jane Doe", "Acme", "", "xlsx",
		"PENDING", false, "", []byte(nil), []byte(`[]`),
		int64(1), now, now, true,
	)

	mock.ExpectQuery(`INSERT INTO leads .+ ON CONFLICT \(natural_key\) DO UPDATE SET .+ RETURNING`).
		WithArgs("jane.doe@acme.com", "email", "Jane Doe", "Acme", "", "xlsx", pgxmock.AnyArg()).
		WillReturnRows(rows)

	lead, created, err := s.UpsertLead(context.Background(), "jane.doe@acme.com", model.LeadFields{
		Channel: model.ChannelEmail,
		Name:    "Jane Doe",
		Company: "Acme",
		Source:  "xlsx",
	}, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), lead.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLead_EmptyKey(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	_, _, err := s.UpsertLead(context.Background(), "", model.LeadFields{}, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPostgresStore_UpdateLead_StaleVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE leads SET version = version \+ 1.+WHERE id = \$1 AND version = \$2`).
		WithArgs(int64(1), int64(1), pgxmock.AnyArg(), "SENT").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM leads WHERE id = \$1\)`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	sent := model.DeliverySent
	_, err := s.UpdateLead(context.Background(), 1, 1, model.LeadChanges{Status: &sent})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLead_MissingLead(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE leads SET version = version \+ 1`).
		WithArgs(int64(9), int64(1), pgxmock.AnyArg(), "SENT").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM leads WHERE id = \$1\)`).
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	sent := model.DeliverySent
	_, err := s.UpdateLead(context.Background(), 9, 1, model.LeadChanges{Status: &sent})
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLead_EmptyChanges(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	_, err := s.UpdateLead(context.Background(), 1, 1, model.LeadChanges{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPostgresStore_AppendObservation_Appended(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads\s+SET observations = observations \|\| \$2::jsonb`).
		WithArgs("jane.doe@acme.com", pgxmock.AnyArg(), "batch-1:row-2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	appended, err := s.AppendObservation(context.Background(), "jane.doe@acme.com", model.Observation{
		IdempotencyKey: "batch-1:row-2",
		SourceTag:      "xlsx",
	})
	require.NoError(t, err)
	assert.True(t, appended)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendObservation_DuplicateKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads\s+SET observations = observations \|\| \$2::jsonb`).
		WithArgs("jane.doe@acme.com", pgxmock.AnyArg(), "batch-1:row-2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM leads WHERE natural_key = \$1\)`).
		WithArgs("jane.doe@acme.com").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	appended, err := s.AppendObservation(context.Background(), "jane.doe@acme.com", model.Observation{
		IdempotencyKey: "batch-1:row-2",
	})
	require.NoError(t, err)
	assert.False(t, appended)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendObservation_MissingLead(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads\s+SET observations = observations \|\| \$2::jsonb`).
		WithArgs("nobody@nowhere.com", pgxmock.AnyArg(), "k1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM leads WHERE natural_key = \$1\)`).
		WithArgs("nobody@nowhere.com").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.AppendObservation(context.Background(), "nobody@nowhere.com", model.Observation{IdempotencyKey: "k1"})
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob_SingleBatchInsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO bulk_jobs .+ RETURNING id`).
		WithArgs("intro-v2", "email", "pending", 3, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`INSERT INTO bulk_job_items .+ unnest\(\$2::bigint\[\]\)`).
		WithArgs(int64(7), []int64{10, 11, 12}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectCommit()

	job, err := s.CreateJob(context.Background(), "intro-v2", model.ChannelEmail, []int64{10, 11, 12})
	require.NoError(t, err)
	assert.Equal(t, int64(7), job.ID)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 3, job.Pending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobStatus_GuardLost(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE bulk_jobs SET status = \$2.+WHERE id = \$1 AND status = ANY\(\$4\)`).
		WithArgs(int64(7), "running", pgxmock.AnyArg(), []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM bulk_jobs WHERE id = \$1\)`).
		WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.UpdateJobStatus(context.Background(), 7, []model.JobStatus{model.JobPending}, model.JobRunning)
	assert.True(t, IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteItem_NonTerminalRejected(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.CompleteItem(context.Background(), 1, model.ItemProcessing, "", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPostgresStore_CompleteItem_AlreadyCompleted(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE bulk_job_items\s+SET status = \$2.+WHERE id = \$1 AND status = 'processing'`).
		WithArgs(int64(3), "sent", "", "msg-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM bulk_job_items WHERE id = \$1\)`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.CompleteItem(context.Background(), 3, model.ItemSent, "", "msg-1")
	assert.True(t, IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResumeStuckItems(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE bulk_job_items SET status = 'pending'.+WHERE job_id = \$1 AND status = 'processing'`).
		WithArgs(int64(7), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.ResumeStuckItems(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendActivity_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO activity_log .+ ON CONFLICT \(provider_event_id\)`).
		WithArgs((*int64)(nil), "reply_received", "ping", []byte(nil), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.AppendActivity(context.Background(), model.ActivityRecord{
		Type:            model.ActivityReplyReceived,
		Body:            "ping",
		ProviderEventID: "evt-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyLeadEvent_DuplicateRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO activity_log`).
		WithArgs(pgxmock.AnyArg(), "status_changed", "", []byte(nil), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	sent := model.DeliverySent
	_, err := s.ApplyLeadEvent(context.Background(), 1, 1,
		model.LeadChanges{Status: &sent},
		model.ActivityRecord{Type: model.ActivityStatusChanged, ProviderEventID: "evt-dup"},
	)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyLeadEvent_Applies(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO activity_log`).
		WithArgs(pgxmock.AnyArg(), "status_changed", "", []byte(nil), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectQuery(`UPDATE leads SET version = version \+ 1`).
		WithArgs(int64(1), int64(1), pgxmock.AnyArg(), "SENT").
		WillReturnRows(sampleLeadRow(leadRows(), 2))
	mock.ExpectCommit()

	sent := model.DeliverySent
	lead, err := s.ApplyLeadEvent(context.Background(), 1, 1,
		model.LeadChanges{Status: &sent},
		model.ActivityRecord{Type: model.ActivityStatusChanged, ProviderEventID: "evt-2"},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lead.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}
