package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock's pool
// satisfies it for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// querier is satisfied by both Pool and pgx.Tx, so lead operations can run
// standalone or inside the webhook event transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id                  BIGSERIAL PRIMARY KEY,
	natural_key         TEXT NOT NULL UNIQUE,
	channel             TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	company             TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	source              TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'PENDING',
	dm_sent             BOOLEAN NOT NULL DEFAULT false,
	provider_message_id TEXT NOT NULL DEFAULT '',
	enrichment          JSONB,
	observations        JSONB NOT NULL DEFAULT '[]',
	version             BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status);
CREATE INDEX IF NOT EXISTS idx_leads_provider_message_id ON leads(provider_message_id) WHERE provider_message_id <> '';

CREATE TABLE IF NOT EXISTS bulk_jobs (
	id         BIGSERIAL PRIMARY KEY,
	template   TEXT NOT NULL,
	channel    TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'pending',
	total      INTEGER NOT NULL DEFAULT 0,
	pending    INTEGER NOT NULL DEFAULT 0,
	sent       INTEGER NOT NULL DEFAULT 0,
	failed     INTEGER NOT NULL DEFAULT 0,
	skipped    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bulk_jobs_status ON bulk_jobs(status);

CREATE TABLE IF NOT EXISTS bulk_job_items (
	id                  BIGSERIAL PRIMARY KEY,
	job_id              BIGINT NOT NULL REFERENCES bulk_jobs(id),
	lead_id             BIGINT NOT NULL REFERENCES leads(id),
	status              TEXT NOT NULL DEFAULT 'pending',
	error               TEXT NOT NULL DEFAULT '',
	provider_message_id TEXT NOT NULL DEFAULT '',
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bulk_job_items_job_status ON bulk_job_items(job_id, status);

CREATE TABLE IF NOT EXISTS activity_log (
	id                BIGSERIAL PRIMARY KEY,
	lead_id           BIGINT REFERENCES leads(id),
	type              TEXT NOT NULL,
	body              TEXT NOT NULL DEFAULT '',
	metadata          JSONB,
	provider_event_id TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_activity_provider_event ON activity_log(provider_event_id) WHERE provider_event_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_activity_lead_id ON activity_log(lead_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const leadColumns = `id, natural_key, channel, name, company, title, source, status, dm_sent, provider_message_id, enrichment, observations, version, created_at, updated_at`

// mergeable profile columns, in the order UpsertLead binds them.
var leadProfileColumns = []string{"channel", "name", "company", "title", "source"}

func (s *PostgresStore) UpsertLead(ctx context.Context, naturalKey string, fields model.LeadFields, overwrite []string) (*model.Lead, bool, error) {
	if naturalKey == "" {
		return nil, false, eris.Wrap(ErrValidation, "postgres: upsert lead: empty natural key")
	}

	force := make(map[string]bool, len(overwrite))
	for _, col := range overwrite {
		force[col] = true
	}

	// Keep-existing merge policy: non-empty stored values win unless the
	// caller explicitly marked the column for overwrite.
	setClauses := make([]string, 0, len(leadProfileColumns)+1)
	for _, col := range leadProfileColumns {
		if force[col] {
			setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		} else {
			setClauses = append(setClauses, fmt.Sprintf("%s = COALESCE(NULLIF(leads.%s, ''), EXCLUDED.%s)", col, col, col))
		}
	}
	setClauses = append(setClauses, "updated_at = $7")

	// (xmax = 0) distinguishes a fresh insert from a conflict-update.
	query := fmt.Sprintf(`INSERT INTO leads (natural_key, channel, name, company, title, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (natural_key) DO UPDATE SET %s
		 RETURNING %s, (xmax = 0) AS created`,
		strings.Join(setClauses, ", "), leadColumns)

	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, query,
		naturalKey, string(fields.Channel), fields.Name, fields.Company, fields.Title, fields.Source, now,
	)

	lead, created, err := scanLeadWithCreated(row)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: upsert lead %s", naturalKey)
	}
	return lead, created, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id int64) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: lead %d", id)
		}
		return nil, eris.Wrapf(err, "postgres: get lead %d", id)
	}
	return lead, nil
}

func (s *PostgresStore) GetLeadByNaturalKey(ctx context.Context, naturalKey string) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE natural_key = $1`, naturalKey)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: lead %s", naturalKey)
		}
		return nil, eris.Wrapf(err, "postgres: get lead %s", naturalKey)
	}
	return lead, nil
}

func (s *PostgresStore) GetLeadByProviderMessageID(ctx context.Context, messageID string) (*model.Lead, error) {
	if messageID == "" {
		return nil, eris.Wrap(ErrValidation, "postgres: empty provider message id")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE provider_message_id = $1 ORDER BY updated_at DESC LIMIT 1`, messageID)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: lead for message %s", messageID)
		}
		return nil, eris.Wrapf(err, "postgres: get lead for message %s", messageID)
	}
	return lead, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	query += ` ORDER BY id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *lead)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list leads iterate")
}

func (s *PostgresStore) UpdateLead(ctx context.Context, id int64, expectedVersion int64, changes model.LeadChanges) (*model.Lead, error) {
	return updateLead(ctx, s.pool, id, expectedVersion, changes)
}

// updateLead is the optimistic update path, shared with ApplyLeadEvent's
// transaction.
func updateLead(ctx context.Context, q querier, id int64, expectedVersion int64, changes model.LeadChanges) (*model.Lead, error) {
	if changes.Empty() {
		return nil, eris.Wrap(ErrValidation, "postgres: update lead: empty change set")
	}

	setClauses := []string{"version = version + 1", "updated_at = $3"}
	args := []any{id, expectedVersion, time.Now().UTC()}
	argIdx := 4

	if changes.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(*changes.Status))
		argIdx++
	}
	if changes.DMSent != nil {
		setClauses = append(setClauses, fmt.Sprintf("dm_sent = $%d", argIdx))
		args = append(args, *changes.DMSent)
		argIdx++
	}
	if changes.ProviderMessageID != nil {
		setClauses = append(setClauses, fmt.Sprintf("provider_message_id = $%d", argIdx))
		args = append(args, *changes.ProviderMessageID)
		argIdx++
	}
	if changes.Enrichment != nil {
		enrichJSON, err := json.Marshal(changes.Enrichment)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal enrichment")
		}
		setClauses = append(setClauses, fmt.Sprintf("enrichment = $%d", argIdx))
		args = append(args, enrichJSON)
	}

	query := fmt.Sprintf(`UPDATE leads SET %s WHERE id = $1 AND version = $2 RETURNING %s`,
		strings.Join(setClauses, ", "), leadColumns)

	lead, err := scanLead(q.QueryRow(ctx, query, args...))
	if err == nil {
		return lead, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: update lead %d", id)
	}

	// No row matched: stale version or missing lead.
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, eris.Wrapf(err, "postgres: update lead %d", id)
	}
	if !exists {
		return nil, eris.Wrapf(ErrNotFound, "postgres: lead %d", id)
	}
	return nil, eris.Wrapf(ErrConcurrencyConflict, "postgres: lead %d expected version %d", id, expectedVersion)
}

func (s *PostgresStore) AppendObservation(ctx context.Context, naturalKey string, obs model.Observation) (bool, error) {
	if obs.IdempotencyKey == "" {
		return false, eris.Wrap(ErrValidation, "postgres: observation missing idempotency key")
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}

	obsJSON, err := json.Marshal(obs)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal observation")
	}

	// Single-statement append: the row lock taken by UPDATE serializes
	// concurrent appends, and the NOT EXISTS guard drops duplicates by
	// idempotency key. Never read-modify-write the whole collection.
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads
		 SET observations = observations || $2::jsonb, updated_at = $4
		 WHERE natural_key = $1
		   AND NOT EXISTS (
		     SELECT 1 FROM jsonb_array_elements(leads.observations) AS existing
		     WHERE existing->>'idempotency_key' = $3
		   )`,
		naturalKey, obsJSON, obs.IdempotencyKey, time.Now().UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: append observation %s", naturalKey)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Nothing appended: duplicate key, or the lead does not exist.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE natural_key = $1)`, naturalKey).Scan(&exists); err != nil {
		return false, eris.Wrapf(err, "postgres: append observation %s", naturalKey)
	}
	if !exists {
		return false, eris.Wrapf(ErrNotFound, "postgres: lead %s", naturalKey)
	}
	return false, nil
}

// Bulk jobs

const jobColumns = `id, template, channel, status, total, pending, sent, failed, skipped, created_at, updated_at`
const itemColumns = `id, job_id, lead_id, status, error, provider_message_id, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, template string, channel model.Channel, leadIDs []int64) (*model.BulkJob, error) {
	if template == "" {
		return nil, eris.Wrap(ErrValidation, "postgres: create job: empty template")
	}
	if len(leadIDs) == 0 {
		return nil, eris.Wrap(ErrValidation, "postgres: create job: no target leads")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create job: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	job := &model.BulkJob{
		Template:  template,
		Channel:   channel,
		Status:    model.JobPending,
		Total:     len(leadIDs),
		Pending:   len(leadIDs),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO bulk_jobs (template, channel, status, total, pending, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4, $5, $5)
		 RETURNING id`,
		template, string(channel), string(model.JobPending), len(leadIDs), now,
	).Scan(&job.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	// One batched insert regardless of target count.
	_, err = tx.Exec(ctx,
		`INSERT INTO bulk_job_items (job_id, lead_id, status, updated_at)
		 SELECT $1, unnest($2::bigint[]), 'pending', $3`,
		job.ID, leadIDs, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert job items for job %d", job.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: create job: commit")
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id int64) (*model.BulkJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM bulk_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: job %d", id)
		}
		return nil, eris.Wrapf(err, "postgres: get job %d", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.BulkJob, error) {
	query := `SELECT ` + jobColumns + ` FROM bulk_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.BulkJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id int64, from []model.JobStatus, next model.JobStatus) error {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bulk_jobs SET status = $2, updated_at = $3 WHERE id = $1 AND status = ANY($4)`,
		id, string(next), time.Now().UTC(), fromStrs,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %d status", id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: update job %d status", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "postgres: job %d", id)
	}
	return eris.Wrapf(ErrConcurrencyConflict, "postgres: job %d not in %v", id, from)
}

func (s *PostgresStore) LeasePendingItems(ctx context.Context, jobID int64, limit int) ([]model.BulkJobItem, error) {
	if limit <= 0 {
		limit = 10
	}

	// SKIP LOCKED keeps a concurrent sweep or a second caller from leasing
	// the same rows; the flip to processing happens before the caller ever
	// sees the item.
	rows, err := s.pool.Query(ctx,
		`UPDATE bulk_job_items
		 SET status = 'processing', updated_at = $3
		 WHERE id IN (
		   SELECT id FROM bulk_job_items
		   WHERE job_id = $1 AND status = 'pending'
		   ORDER BY id
		   LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+itemColumns,
		jobID, limit, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lease items for job %d", jobID)
	}
	defer rows.Close()

	var items []model.BulkJobItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan leased item")
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "postgres: lease items for job %d", jobID)
	}

	// RETURNING order is unspecified; callers rely on id order.
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *PostgresStore) CompleteItem(ctx context.Context, itemID int64, outcome model.ItemStatus, errDetail, providerMessageID string) error {
	if !outcome.Terminal() {
		return eris.Wrapf(ErrValidation, "postgres: complete item %d: %s is not terminal", itemID, outcome)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bulk_job_items
		 SET status = $2, error = $3, provider_message_id = $4, updated_at = $5
		 WHERE id = $1 AND status = 'processing'`,
		itemID, string(outcome), errDetail, providerMessageID, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete item %d", itemID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bulk_job_items WHERE id = $1)`, itemID).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: complete item %d", itemID)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "postgres: item %d", itemID)
	}
	return eris.Wrapf(ErrConcurrencyConflict, "postgres: item %d is not processing", itemID)
}

func (s *PostgresStore) ResumeStuckItems(ctx context.Context, jobID int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bulk_job_items SET status = 'pending', updated_at = $2 WHERE job_id = $1 AND status = 'processing'`,
		jobID, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: resume stuck items for job %d", jobID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RecomputeJobCounts(ctx context.Context, jobID int64) (*model.BulkJob, error) {
	// Leased (processing) items count as pending: they are not terminal,
	// so pending + sent + failed + skipped always sums to total.
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE bulk_jobs j SET
		   total   = c.total,
		   pending = c.pending,
		   sent    = c.sent,
		   failed  = c.failed,
		   skipped = c.skipped,
		   updated_at = $2
		 FROM (
		   SELECT COUNT(*) AS total,
		     COUNT(*) FILTER (WHERE status IN ('pending', 'processing')) AS pending,
		     COUNT(*) FILTER (WHERE status = 'sent') AS sent,
		     COUNT(*) FILTER (WHERE status = 'failed') AS failed,
		     COUNT(*) FILTER (WHERE status = 'skipped') AS skipped
		   FROM bulk_job_items WHERE job_id = $1
		 ) c
		 WHERE j.id = $1
		 RETURNING j.id, j.template, j.channel, j.status, j.total, j.pending, j.sent, j.failed, j.skipped, j.created_at, j.updated_at`,
		jobID, time.Now().UTC(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: job %d", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: recompute counts for job %d", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobItems(ctx context.Context, jobID int64) ([]model.BulkJobItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM bulk_job_items WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list items for job %d", jobID)
	}
	defer rows.Close()

	var items []model.BulkJobItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, *item)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

// Activity ledger

func (s *PostgresStore) AppendActivity(ctx context.Context, rec model.ActivityRecord) (*model.ActivityRecord, error) {
	inserted, out, err := appendActivity(ctx, s.pool, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, eris.Wrapf(ErrDuplicateEvent, "postgres: event %s", rec.ProviderEventID)
	}
	return out, nil
}

func appendActivity(ctx context.Context, q querier, rec model.ActivityRecord) (bool, *model.ActivityRecord, error) {
	if rec.Type == "" {
		return false, nil, eris.Wrap(ErrValidation, "postgres: activity missing type")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var metaJSON []byte
	if rec.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return false, nil, eris.Wrap(err, "postgres: marshal activity metadata")
		}
	}

	var eventID *string
	if rec.ProviderEventID != "" {
		eventID = &rec.ProviderEventID
	}

	// ON CONFLICT DO NOTHING on the provider event id makes webhook
	// replays a no-op for the whole surrounding transaction.
	err := q.QueryRow(ctx,
		`INSERT INTO activity_log (lead_id, type, body, metadata, provider_event_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (provider_event_id) WHERE provider_event_id IS NOT NULL DO NOTHING
		 RETURNING id`,
		rec.LeadID, string(rec.Type), rec.Body, metaJSON, eventID, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil, nil
		}
		return false, nil, eris.Wrap(err, "postgres: append activity")
	}
	return true, &rec, nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, leadID int64, limit int) ([]model.ActivityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, lead_id, type, body, metadata, provider_event_id, created_at
		 FROM activity_log WHERE lead_id = $1 ORDER BY id DESC LIMIT $2`,
		leadID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list activity for lead %d", leadID)
	}
	defer rows.Close()

	var recs []model.ActivityRecord
	for rows.Next() {
		rec, err := scanActivity(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan activity")
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list activity iterate")
}

func (s *PostgresStore) ApplyLeadEvent(ctx context.Context, leadID int64, expectedVersion int64, changes model.LeadChanges, rec model.ActivityRecord) (*model.Lead, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: apply event: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rec.LeadID = &leadID
	inserted, _, err := appendActivity(ctx, tx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, eris.Wrapf(ErrDuplicateEvent, "postgres: event %s", rec.ProviderEventID)
	}

	lead, err := updateLead(ctx, tx, leadID, expectedVersion, changes)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: apply event: commit")
	}
	return lead, nil
}

// scan helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var enrichJSON, obsJSON []byte
	err := row.Scan(
		&l.ID, &l.NaturalKey, &l.Channel, &l.Name, &l.Company, &l.Title, &l.Source,
		&l.Status, &l.DMSent, &l.ProviderMessageID, &enrichJSON, &obsJSON,
		&l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return decodeLeadJSON(&l, enrichJSON, obsJSON)
}

func scanLeadWithCreated(row scannable) (*model.Lead, bool, error) {
	var l model.Lead
	var enrichJSON, obsJSON []byte
	var created bool
	err := row.Scan(
		&l.ID, &l.NaturalKey, &l.Channel, &l.Name, &l.Company, &l.Title, &l.Source,
		&l.Status, &l.DMSent, &l.ProviderMessageID, &enrichJSON, &obsJSON,
		&l.Version, &l.CreatedAt, &l.UpdatedAt, &created,
	)
	if err != nil {
		return nil, false, err
	}
	lead, err := decodeLeadJSON(&l, enrichJSON, obsJSON)
	return lead, created, err
}

func decodeLeadJSON(l *model.Lead, enrichJSON, obsJSON []byte) (*model.Lead, error) {
	if len(enrichJSON) > 0 {
		if err := json.Unmarshal(enrichJSON, &l.Enrichment); err != nil {
			return nil, eris.Wrap(err, "unmarshal enrichment")
		}
	}
	if len(obsJSON) > 0 {
		if err := json.Unmarshal(obsJSON, &l.Observations); err != nil {
			return nil, eris.Wrap(err, "unmarshal observations")
		}
	}
	return l, nil
}

func scanJob(row scannable) (*model.BulkJob, error) {
	var j model.BulkJob
	err := row.Scan(
		&j.ID, &j.Template, &j.Channel, &j.Status,
		&j.Total, &j.Pending, &j.Sent, &j.Failed, &j.Skipped,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanItem(row scannable) (*model.BulkJobItem, error) {
	var it model.BulkJobItem
	err := row.Scan(
		&it.ID, &it.JobID, &it.LeadID, &it.Status, &it.Error, &it.ProviderMessageID, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func scanActivity(row scannable) (*model.ActivityRecord, error) {
	var rec model.ActivityRecord
	var metaJSON []byte
	var eventID *string
	err := row.Scan(&rec.ID, &rec.LeadID, &rec.Type, &rec.Body, &metaJSON, &eventID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal activity metadata")
		}
	}
	if eventID != nil {
		rec.ProviderEventID = *eventID
	}
	return &rec, nil
}
