package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. SQLite serializes
// writers, so the single-statement observation append and the guarded item
// lease give the same lost-update protection the Postgres row lock does.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	natural_key         TEXT NOT NULL UNIQUE,
	channel             TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	company             TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	source              TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'PENDING',
	dm_sent             INTEGER NOT NULL DEFAULT 0,
	provider_message_id TEXT NOT NULL DEFAULT '',
	enrichment          TEXT,
	observations        TEXT NOT NULL DEFAULT '[]',
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_provider_message_id ON leads(provider_message_id);

CREATE TABLE IF NOT EXISTS bulk_jobs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	template   TEXT NOT NULL,
	channel    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'pending',
	total      INTEGER NOT NULL DEFAULT 0,
	pending    INTEGER NOT NULL DEFAULT 0,
	sent       INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	skipped    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bulk_jobs_status ON bulk_jobs(status);

CREATE TABLE IF NOT EXISTS bulk_job_items (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id              INTEGER NOT NULL REFERENCES bulk_jobs(id),
	lead_id             INTEGER NOT NULL REFERENCES leads(id),
	status              TEXT NOT NULL DEFAULT 'pending',
	error               TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT NOT NULL DEFAULT '',
	updated_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bulk_job_items_job_status ON bulk_job_items(job_id, status);

CREATE TABLE IF NOT EXISTS activity_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	lead_id           INTEGER REFERENCES leads(id),
	type              TEXT NOT NULL,
	body              TEXT NOT NULL DEFAULT '',
	metadata          TEXT,
	provider_event_id TEXT,
	created_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_provider_event ON activity_log(provider_event_id) WHERE provider_event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_activity_lead_id ON activity_log(lead_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertLead(ctx context.Context, naturalKey string, fields model.LeadFields, overwrite []string) (*model.Lead, bool, error) {
	if naturalKey == "" {
		return nil, false, eris.Wrap(ErrValidation, "sqlite: upsert lead: empty natural key")
	}

	// Two writers racing to create the same new key both pass the existence
	// read; the loser's insert hits the UNIQUE index (or a busy writer).
	// Retrying reruns the read, which now finds the winner's row and merges.
	var (
		lead    *model.Lead
		created bool
		err     error
	)
	for attempt := 0; attempt < 3; attempt++ {
		lead, created, err = s.upsertLeadOnce(ctx, naturalKey, fields, overwrite)
		if err == nil || !isCreateRace(err) {
			return lead, created, err
		}
	}
	return lead, created, err
}

// isCreateRace reports whether an upsert error came from losing a concurrent
// create of the same natural key rather than from bad input.
func isCreateRace(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed: leads.natural_key") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked")
}

func (s *SQLiteStore) upsertLeadOnce(ctx context.Context, naturalKey string, fields model.LeadFields, overwrite []string) (*model.Lead, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: upsert lead: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	existing, err := getLeadSQLite(ctx, tx, `natural_key = ?`, naturalKey)
	if err != nil && !IsNotFound(err) {
		return nil, false, err
	}

	if existing == nil {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO leads (natural_key, channel, name, company, title, source, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			naturalKey, string(fields.Channel), fields.Name, fields.Company, fields.Title, fields.Source, now, now,
		)
		if err != nil {
			return nil, false, eris.Wrapf(err, "sqlite: insert lead %s", naturalKey)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, eris.Wrap(err, "sqlite: last insert id")
		}
		if err := tx.Commit(); err != nil {
			return nil, false, eris.Wrap(err, "sqlite: upsert lead: commit")
		}
		return &model.Lead{
			ID:           id,
			NaturalKey:   naturalKey,
			Channel:      fields.Channel,
			Name:         fields.Name,
			Company:      fields.Company,
			Title:        fields.Title,
			Source:       fields.Source,
			Status:       model.DeliveryPending,
			Observations: []model.Observation{},
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}, true, nil
	}

	// Merge in Go inside the write transaction: existing non-empty values
	// win unless explicitly overwritten. Version stays untouched.
	force := make(map[string]bool, len(overwrite))
	for _, col := range overwrite {
		force[col] = true
	}
	merge := func(col, stored, incoming string) string {
		if force[col] || stored == "" {
			if force[col] || incoming != "" {
				return incoming
			}
		}
		return stored
	}
	existing.Channel = model.Channel(merge("channel", string(existing.Channel), string(fields.Channel)))
	existing.Name = merge("name", existing.Name, fields.Name)
	existing.Company = merge("company", existing.Company, fields.Company)
	existing.Title = merge("title", existing.Title, fields.Title)
	existing.Source = merge("source", existing.Source, fields.Source)
	existing.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`UPDATE leads SET channel = ?, name = ?, company = ?, title = ?, source = ?, updated_at = ? WHERE id = ?`,
		string(existing.Channel), existing.Name, existing.Company, existing.Title, existing.Source, now, existing.ID,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: merge lead %s", naturalKey)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: upsert lead: commit")
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id int64) (*model.Lead, error) {
	return getLeadSQLite(ctx, s.db, `id = ?`, id)
}

func (s *SQLiteStore) GetLeadByNaturalKey(ctx context.Context, naturalKey string) (*model.Lead, error) {
	return getLeadSQLite(ctx, s.db, `natural_key = ?`, naturalKey)
}

func (s *SQLiteStore) GetLeadByProviderMessageID(ctx context.Context, messageID string) (*model.Lead, error) {
	if messageID == "" {
		return nil, eris.Wrap(ErrValidation, "sqlite: empty provider message id")
	}
	return getLeadSQLite(ctx, s.db, `provider_message_id = ?`, messageID)
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLeadSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list leads iterate")
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, id int64, expectedVersion int64, changes model.LeadChanges) (*model.Lead, error) {
	return s.updateLead(ctx, s.db, id, expectedVersion, changes)
}

type sqliteExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) updateLead(ctx context.Context, q sqliteExecer, id int64, expectedVersion int64, changes model.LeadChanges) (*model.Lead, error) {
	if changes.Empty() {
		return nil, eris.Wrap(ErrValidation, "sqlite: update lead: empty change set")
	}

	setClauses := []string{"version = version + 1", "updated_at = ?"}
	args := []any{time.Now().UTC()}

	if changes.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*changes.Status))
	}
	if changes.DMSent != nil {
		setClauses = append(setClauses, "dm_sent = ?")
		args = append(args, *changes.DMSent)
	}
	if changes.ProviderMessageID != nil {
		setClauses = append(setClauses, "provider_message_id = ?")
		args = append(args, *changes.ProviderMessageID)
	}
	if changes.Enrichment != nil {
		enrichJSON, err := json.Marshal(changes.Enrichment)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal enrichment")
		}
		setClauses = append(setClauses, "enrichment = ?")
		args = append(args, string(enrichJSON))
	}
	args = append(args, id, expectedVersion)

	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE leads SET %s WHERE id = ? AND version = ?`, strings.Join(setClauses, ", ")),
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update lead %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var exists bool
		if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = ?)`, id).Scan(&exists); err != nil {
			return nil, eris.Wrapf(err, "sqlite: update lead %d", id)
		}
		if !exists {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: lead %d", id)
		}
		return nil, eris.Wrapf(ErrConcurrencyConflict, "sqlite: lead %d expected version %d", id, expectedVersion)
	}

	return getLeadSQLite(ctx, q, `id = ?`, id)
}

func (s *SQLiteStore) AppendObservation(ctx context.Context, naturalKey string, obs model.Observation) (bool, error) {
	if obs.IdempotencyKey == "" {
		return false, eris.Wrap(ErrValidation, "sqlite: observation missing idempotency key")
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}

	obsJSON, err := json.Marshal(obs)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal observation")
	}

	// One guarded statement; SQLite's single-writer lock serializes
	// concurrent appends so no collector can clobber another's entry.
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads
		 SET observations = json_insert(observations, '$[#]', json(?)), updated_at = ?
		 WHERE natural_key = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM json_each(leads.observations) AS existing
		     WHERE json_extract(existing.value, '$.idempotency_key') = ?
		   )`,
		string(obsJSON), time.Now().UTC(), naturalKey, obs.IdempotencyKey,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: append observation %s", naturalKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE natural_key = ?)`, naturalKey).Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "sqlite: append observation %s", naturalKey)
	}
	if !exists {
		return false, eris.Wrapf(ErrNotFound, "sqlite: lead %s", naturalKey)
	}
	return false, nil
}

// Bulk jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, template string, channel model.Channel, leadIDs []int64) (*model.BulkJob, error) {
	if template == "" {
		return nil, eris.Wrap(ErrValidation, "sqlite: create job: empty template")
	}
	if len(leadIDs) == 0 {
		return nil, eris.Wrap(ErrValidation, "sqlite: create job: no target leads")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create job: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO bulk_jobs (template, channel, status, total, pending, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		template, string(channel), string(model.JobPending), len(leadIDs), len(leadIDs), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	jobID, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last insert id")
	}

	// Single multi-VALUES insert for all items.
	placeholders := make([]string, len(leadIDs))
	args := make([]any, 0, len(leadIDs)*3)
	for i, leadID := range leadIDs {
		placeholders[i] = "(?, ?, 'pending', ?)"
		args = append(args, jobID, leadID, now)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO bulk_job_items (job_id, lead_id, status, updated_at) VALUES `+strings.Join(placeholders, ", "),
		args...,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert job items for job %d", jobID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: create job: commit")
	}

	return &model.BulkJob{
		ID:        jobID,
		Template:  template,
		Channel:   channel,
		Status:    model.JobPending,
		Total:     len(leadIDs),
		Pending:   len(leadIDs),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*model.BulkJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM bulk_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: job %d", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %d", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.BulkJob, error) {
	query := `SELECT ` + jobColumns + ` FROM bulk_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.BulkJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id int64, from []model.JobStatus, next model.JobStatus) error {
	placeholders := make([]string, len(from))
	args := []any{string(next), time.Now().UTC(), id}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE bulk_jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (%s)`, strings.Join(placeholders, ", ")),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %d status", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_jobs WHERE id = ?)`, id).Scan(&exists); err != nil {
		return eris.Wrapf(err, "sqlite: update job %d status", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "sqlite: job %d", id)
	}
	return eris.Wrapf(ErrConcurrencyConflict, "sqlite: job %d not in %v", id, from)
}

func (s *SQLiteStore) LeasePendingItems(ctx context.Context, jobID int64, limit int) ([]model.BulkJobItem, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`UPDATE bulk_job_items
		 SET status = 'processing', updated_at = ?
		 WHERE id IN (
		   SELECT id FROM bulk_job_items
		   WHERE job_id = ? AND status = 'pending'
		   ORDER BY id
		   LIMIT ?
		 )
		 RETURNING `+itemColumns,
		time.Now().UTC(), jobID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lease items for job %d", jobID)
	}
	defer rows.Close()

	var items []model.BulkJobItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan leased item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrapf(rows.Err(), "sqlite: lease items for job %d", jobID)
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, itemID int64, outcome model.ItemStatus, errDetail, providerMessageID string) error {
	if !outcome.Terminal() {
		return eris.Wrapf(ErrValidation, "sqlite: complete item %d: %s is not terminal", itemID, outcome)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE bulk_job_items
		 SET status = ?, error = ?, provider_message_id = ?, updated_at = ?
		 WHERE id = ? AND status = 'processing'`,
		string(outcome), errDetail, providerMessageID, time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete item %d", itemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_job_items WHERE id = ?)`, itemID).Scan(&exists); err != nil {
		return eris.Wrapf(err, "sqlite: complete item %d", itemID)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "sqlite: item %d", itemID)
	}
	return eris.Wrapf(ErrConcurrencyConflict, "sqlite: item %d is not processing", itemID)
}

func (s *SQLiteStore) ResumeStuckItems(ctx context.Context, jobID int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = 'pending', updated_at = ? WHERE job_id = ? AND status = 'processing'`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: resume stuck items for job %d", jobID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) RecomputeJobCounts(ctx context.Context, jobID int64) (*model.BulkJob, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bulk_jobs SET
		   total   = (SELECT COUNT(*) FROM bulk_job_items WHERE job_id = bulk_jobs.id),
		   pending = (SELECT COUNT(*) FROM bulk_job_items WHERE job_id = bulk_jobs.id AND status IN ('pending', 'processing')),
		   sent    = (SELECT COUNT(*) FROM bulk_job_items WHERE job_id = bulk_jobs.id AND status = 'sent'),
		   failed  = (SELECT COUNT(*) FROM bulk_job_items WHERE job_id = bulk_jobs.id AND status = 'failed'),
		   skipped = (SELECT COUNT(*) FROM bulk_job_items WHERE job_id = bulk_jobs.id AND status = 'skipped'),
		   updated_at = ?
		 WHERE id = ?`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: recompute counts for job %d", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %d", jobID)
	}
	return s.GetJob(ctx, jobID)
}

func (s *SQLiteStore) ListJobItems(ctx context.Context, jobID int64) ([]model.BulkJobItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM bulk_job_items WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list items for job %d", jobID)
	}
	defer rows.Close()

	var items []model.BulkJobItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

// Activity ledger

func (s *SQLiteStore) AppendActivity(ctx context.Context, rec model.ActivityRecord) (*model.ActivityRecord, error) {
	inserted, out, err := s.appendActivity(ctx, s.db, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, eris.Wrapf(ErrDuplicateEvent, "sqlite: event %s", rec.ProviderEventID)
	}
	return out, nil
}

func (s *SQLiteStore) appendActivity(ctx context.Context, q sqliteExecer, rec model.ActivityRecord) (bool, *model.ActivityRecord, error) {
	if rec.Type == "" {
		return false, nil, eris.Wrap(ErrValidation, "sqlite: activity missing type")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var metaJSON any
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return false, nil, eris.Wrap(err, "sqlite: marshal activity metadata")
		}
		metaJSON = string(b)
	}

	var eventID any
	if rec.ProviderEventID != "" {
		eventID = rec.ProviderEventID
	}

	res, err := q.ExecContext(ctx,
		`INSERT INTO activity_log (lead_id, type, body, metadata, provider_event_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider_event_id) WHERE provider_event_id IS NOT NULL DO NOTHING`,
		rec.LeadID, string(rec.Type), rec.Body, metaJSON, eventID, rec.CreatedAt,
	)
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: append activity")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, nil, eris.Wrap(err, "sqlite: last insert id")
	}
	rec.ID = id
	return true, &rec, nil
}

func (s *SQLiteStore) ListActivity(ctx context.Context, leadID int64, limit int) ([]model.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, type, body, metadata, provider_event_id, created_at
		 FROM activity_log WHERE lead_id = ? ORDER BY id DESC LIMIT ?`,
		leadID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list activity for lead %d", leadID)
	}
	defer rows.Close()

	var recs []model.ActivityRecord
	for rows.Next() {
		var rec model.ActivityRecord
		var metaJSON, eventID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.LeadID, &rec.Type, &rec.Body, &metaJSON, &eventID, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan activity")
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal activity metadata")
			}
		}
		if eventID.Valid {
			rec.ProviderEventID = eventID.String
		}
		recs = append(recs, rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list activity iterate")
}

func (s *SQLiteStore) ApplyLeadEvent(ctx context.Context, leadID int64, expectedVersion int64, changes model.LeadChanges, rec model.ActivityRecord) (*model.Lead, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: apply event: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	rec.LeadID = &leadID
	inserted, _, err := s.appendActivity(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, eris.Wrapf(ErrDuplicateEvent, "sqlite: event %s", rec.ProviderEventID)
	}

	lead, err := s.updateLead(ctx, tx, leadID, expectedVersion, changes)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: apply event: commit")
	}
	return lead, nil
}

// scan helpers

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLeadSQLite(ctx context.Context, q sqliteQuerier, where string, arg any) (*model.Lead, error) {
	row := q.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE `+where, arg)
	lead, err := scanLeadSQLite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: lead %v", arg)
		}
		return nil, eris.Wrapf(err, "sqlite: get lead %v", arg)
	}
	return lead, nil
}

func scanLeadSQLite(row scannable) (*model.Lead, error) {
	var l model.Lead
	var enrichJSON sql.NullString
	var obsJSON string
	err := row.Scan(
		&l.ID, &l.NaturalKey, &l.Channel, &l.Name, &l.Company, &l.Title, &l.Source,
		&l.Status, &l.DMSent, &l.ProviderMessageID, &enrichJSON, &obsJSON,
		&l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if enrichJSON.Valid && enrichJSON.String != "" {
		if err := json.Unmarshal([]byte(enrichJSON.String), &l.Enrichment); err != nil {
			return nil, eris.Wrap(err, "unmarshal enrichment")
		}
	}
	if obsJSON != "" {
		if err := json.Unmarshal([]byte(obsJSON), &l.Observations); err != nil {
			return nil, eris.Wrap(err, "unmarshal observations")
		}
	}
	return &l, nil
}
