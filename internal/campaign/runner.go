// Package campaign drives bulk-send jobs: leasing items, rendering the
// template per lead, calling the messenger, and recording outcomes. A single
// item failure never aborts the job; job-level failure is reserved for
// orchestration errors (store unavailable, template source gone).
package campaign

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/template"
	"github.com/sells-group/outreach-cli/pkg/messenger"
)

// Enricher produces per-lead personalization parameters. Implementations
// must treat failure as advisory; the runner falls back to base parameters.
type Enricher interface {
	Enrich(ctx context.Context, lead *model.Lead) (map[string]string, error)
}

// Config tunes the driving loop.
type Config struct {
	// RatePerSecond paces sends across the whole job. Zero disables pacing.
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	// BatchSize is the lease size per loop iteration. Default 10.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	// LeadUpdateRetries bounds rereads when a send races a webhook. Default 3.
	LeadUpdateRetries int `yaml:"lead_update_retries" mapstructure:"lead_update_retries"`
}

// Runner executes bulk jobs against the store and the messenger.
type Runner struct {
	store    store.Store
	registry *template.Registry
	sender   messenger.Sender
	enricher Enricher
	limiter  *rate.Limiter
	cfg      Config
}

// NewRunner creates a Runner. enricher may be nil.
func NewRunner(st store.Store, registry *template.Registry, sender messenger.Sender, enricher Enricher, cfg Config) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LeadUpdateRetries <= 0 {
		cfg.LeadUpdateRetries = 3
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Runner{store: st, registry: registry, sender: sender, enricher: enricher, limiter: limiter, cfg: cfg}
}

// Create registers a new job over the given leads.
func (r *Runner) Create(ctx context.Context, templateName string, channel model.Channel, leadIDs []int64) (*model.BulkJob, error) {
	// Fail fast on an unknown template instead of failing every item later.
	if _, err := r.registry.Get(ctx, templateName); err != nil {
		return nil, err
	}
	job, err := r.store.CreateJob(ctx, templateName, channel, leadIDs)
	if err != nil {
		return nil, err
	}
	r.logTransition(ctx, job.ID, model.JobPending, "created")
	return job, nil
}

// Start moves a pending job to running and drives it to a quiescent state:
// completed, or paused/cancelled by a concurrent control call.
func (r *Runner) Start(ctx context.Context, jobID int64) (*model.BulkJob, error) {
	if err := r.store.UpdateJobStatus(ctx, jobID, []model.JobStatus{model.JobPending}, model.JobRunning); err != nil {
		return nil, err
	}
	r.logTransition(ctx, jobID, model.JobRunning, "started")
	return r.drive(ctx, jobID)
}

// Resume continues a paused or pending job: stuck processing items go back
// to pending, then the loop continues. A job that is already running is a
// conflict; resetting its leases would hand the in-flight item to a second
// loop and send it twice. Crashed processes park their running jobs as
// paused at startup, so paused covers recovery too.
func (r *Runner) Resume(ctx context.Context, jobID int64) (*model.BulkJob, error) {
	err := r.store.UpdateJobStatus(ctx, jobID, []model.JobStatus{model.JobPaused, model.JobPending}, model.JobRunning)
	if err != nil {
		return nil, err
	}
	reset, err := r.store.ResumeStuckItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if reset > 0 {
		zap.L().Info("reset stuck items", zap.Int64("job_id", jobID), zap.Int("count", reset))
	}
	r.logTransition(ctx, jobID, model.JobRunning, "resumed")
	return r.drive(ctx, jobID)
}

// Pause asks a running job to stop after the current item.
func (r *Runner) Pause(ctx context.Context, jobID int64) error {
	if err := r.store.UpdateJobStatus(ctx, jobID, []model.JobStatus{model.JobRunning}, model.JobPaused); err != nil {
		return err
	}
	r.logTransition(ctx, jobID, model.JobPaused, "paused")
	return nil
}

// Cancel terminally stops a job. Remaining pending items are left in place
// and counted by the final recompute.
func (r *Runner) Cancel(ctx context.Context, jobID int64) error {
	err := r.store.UpdateJobStatus(ctx, jobID,
		[]model.JobStatus{model.JobPending, model.JobRunning, model.JobPaused}, model.JobCancelled)
	if err != nil {
		return err
	}
	r.logTransition(ctx, jobID, model.JobCancelled, "cancelled")
	return nil
}

// drive is the leasing loop. Every iteration rechecks the job status so a
// concurrent pause or cancel takes effect between items.
func (r *Runner) drive(ctx context.Context, jobID int64) (*model.BulkJob, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tmpl, err := r.registry.Get(ctx, job.Template)
	if err != nil {
		return nil, r.failJob(ctx, jobID, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			// Process shutdown: leave the job running; Resume picks the
			// leased items back up.
			return r.store.RecomputeJobCounts(context.WithoutCancel(ctx), jobID)
		}

		items, err := r.store.LeasePendingItems(ctx, jobID, r.cfg.BatchSize)
		if err != nil {
			return nil, r.failJob(ctx, jobID, err)
		}
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			current, err := r.store.GetJob(ctx, jobID)
			if err != nil {
				return nil, r.failJob(ctx, jobID, err)
			}
			if current.Status != model.JobRunning {
				// Pause/cancel landed mid-batch. Put the unprocessed
				// remainder back and stop.
				if _, err := r.store.ResumeStuckItems(ctx, jobID); err != nil {
					return nil, err
				}
				return r.store.RecomputeJobCounts(ctx, jobID)
			}

			if err := r.processItem(ctx, tmpl, current, item); err != nil {
				return nil, r.failJob(ctx, jobID, err)
			}
		}

		if _, err := r.store.RecomputeJobCounts(ctx, jobID); err != nil {
			return nil, r.failJob(ctx, jobID, err)
		}
	}

	if err := r.store.UpdateJobStatus(ctx, jobID, []model.JobStatus{model.JobRunning}, model.JobCompleted); err != nil && !store.IsConflict(err) {
		return nil, err
	}
	r.logTransition(ctx, jobID, model.JobCompleted, "drained")
	return r.store.RecomputeJobCounts(ctx, jobID)
}

// processItem sends one leased item and records its terminal outcome. Only
// infrastructure errors propagate; send failures become item outcomes.
func (r *Runner) processItem(ctx context.Context, tmpl *template.Template, job *model.BulkJob, item model.BulkJobItem) error {
	lead, err := r.store.GetLead(ctx, item.LeadID)
	if err != nil {
		if store.IsNotFound(err) {
			return r.store.CompleteItem(ctx, item.ID, model.ItemSkipped, "lead deleted", "")
		}
		return err
	}

	if lead.DMSent {
		return r.store.CompleteItem(ctx, item.ID, model.ItemSkipped, "already contacted", "")
	}

	rendered, err := tmpl.Render(r.params(ctx, lead))
	if err != nil {
		// Unrenderable for this lead only; the rest of the job proceeds.
		return r.store.CompleteItem(ctx, item.ID, model.ItemFailed, err.Error(), "")
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	channel := job.Channel
	if channel == "" {
		channel = lead.Channel
	}
	result, err := r.sender.Send(ctx, messenger.SendRequest{
		Channel:   channel,
		Recipient: lead.NaturalKey,
		Subject:   rendered.Subject,
		Body:      rendered.Body,
		RequestID: fmt.Sprintf("job-%d-item-%d", item.JobID, item.ID),
	})
	if err != nil {
		zap.L().Warn("send failed",
			zap.Int64("job_id", item.JobID),
			zap.Int64("item_id", item.ID),
			zap.Error(err),
		)
		return r.store.CompleteItem(ctx, item.ID, model.ItemFailed, err.Error(), "")
	}
	if !result.Success {
		return r.store.CompleteItem(ctx, item.ID, model.ItemFailed, result.Detail, "")
	}

	if err := r.store.CompleteItem(ctx, item.ID, model.ItemSent, "", result.ProviderMessageID); err != nil {
		return err
	}
	if err := r.markLeadSent(ctx, lead, result.ProviderMessageID); err != nil {
		return err
	}

	_, err = r.store.AppendActivity(ctx, model.ActivityRecord{
		LeadID: &lead.ID,
		Type:   model.ActivityMessageSent,
		Body:   fmt.Sprintf("sent %s via %s", job.Template, channel),
		Metadata: map[string]any{
			"job_id":              item.JobID,
			"item_id":             item.ID,
			"provider_message_id": result.ProviderMessageID,
		},
	})
	return err
}

// markLeadSent flips the lead to SENT through the optimistic path. A webhook
// racing the update forces a reread; the retry budget bounds the loop.
func (r *Runner) markLeadSent(ctx context.Context, lead *model.Lead, providerMessageID string) error {
	sent := model.DeliverySent
	dmSent := true

	current := lead
	for attempt := 0; attempt < r.cfg.LeadUpdateRetries; attempt++ {
		changes := model.LeadChanges{DMSent: &dmSent, ProviderMessageID: &providerMessageID}
		if current.Status.CanTransition(model.DeliverySent) {
			changes.Status = &sent
		}
		_, err := r.store.UpdateLead(ctx, current.ID, current.Version, changes)
		if err == nil {
			return nil
		}
		if !store.IsConflict(err) {
			return err
		}
		current, err = r.store.GetLead(ctx, lead.ID)
		if err != nil {
			return err
		}
	}
	return eris.Errorf("campaign: lead %d update kept conflicting", lead.ID)
}

// params builds the substitution map: profile fields, enrichment values,
// then enricher output on top.
func (r *Runner) params(ctx context.Context, lead *model.Lead) map[string]string {
	params := map[string]string{
		"name":       lead.Name,
		"first_name": firstName(lead.Name),
		"company":    lead.Company,
		"title":      lead.Title,
	}
	for k, v := range lead.Enrichment {
		if s, ok := v.(string); ok {
			params[k] = s
		}
	}
	if r.enricher != nil {
		extra, err := r.enricher.Enrich(ctx, lead)
		if err != nil {
			zap.L().Warn("enrichment failed, using base params", zap.Int64("lead_id", lead.ID), zap.Error(err))
		} else {
			for k, v := range extra {
				params[k] = v
			}
		}
	}
	return params
}

func (r *Runner) failJob(ctx context.Context, jobID int64, cause error) error {
	err := r.store.UpdateJobStatus(context.WithoutCancel(ctx), jobID,
		[]model.JobStatus{model.JobPending, model.JobRunning}, model.JobFailed)
	if err != nil {
		zap.L().Error("could not mark job failed", zap.Int64("job_id", jobID), zap.Error(err))
	} else {
		r.logTransition(ctx, jobID, model.JobFailed, cause.Error())
	}
	return cause
}

func (r *Runner) logTransition(ctx context.Context, jobID int64, to model.JobStatus, note string) {
	_, err := r.store.AppendActivity(context.WithoutCancel(ctx), model.ActivityRecord{
		Type:     model.ActivityJobStateChanged,
		Body:     fmt.Sprintf("job %d: %s (%s)", jobID, to, note),
		Metadata: map[string]any{"job_id": jobID, "status": string(to)},
	})
	if err != nil {
		zap.L().Warn("job transition not recorded", zap.Int64("job_id", jobID), zap.Error(err))
	}
}

func firstName(full string) string {
	full = strings.TrimSpace(full)
	if i := strings.IndexByte(full, ' '); i > 0 {
		return full[:i]
	}
	return full
}
