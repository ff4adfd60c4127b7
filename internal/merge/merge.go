// Package merge funnels collected prospect observations into canonical
// leads. Identities are normalized to one natural key per prospect, and
// producer-assigned idempotency keys make every batch safe to replay.
package merge

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/normalize"
)

// Record is one raw observation from a collector. Identity is the
// prospect's contact handle as collected (email, phone, or profile URL);
// the merger normalizes it before any store access.
type Record struct {
	Identity       string
	IdempotencyKey string
	SourceTag      string
	Fields         model.LeadFields
	Payload        map[string]any
	ObservedAt     time.Time
}

// Outcome classifies what a single record did to the store.
type Outcome string

const (
	OutcomeCreated Outcome = "created" // new lead inserted, observation appended
	OutcomeUpdated Outcome = "updated" // existing lead merged, observation appended
	OutcomeSkipped Outcome = "skipped" // duplicate idempotency key, nothing written
	OutcomeInvalid Outcome = "invalid" // unusable record, nothing written
)

// RecordResult is the per-record line in a batch report.
type RecordResult struct {
	Identity   string
	NaturalKey string
	Outcome    Outcome
	LeadID     int64
	Err        error
}

// Report summarizes one merged batch.
type Report struct {
	Results []RecordResult
	Created int
	Updated int
	Skipped int
	Invalid int
}

// leadStore is the slice of the store the merger needs.
type leadStore interface {
	UpsertLead(ctx context.Context, naturalKey string, fields model.LeadFields, overwrite []string) (*model.Lead, bool, error)
	AppendObservation(ctx context.Context, naturalKey string, obs model.Observation) (bool, error)
}

// Merger deduplicates and persists collector batches.
type Merger struct {
	store leadStore
}

// New creates a Merger over the given store.
func New(store leadStore) *Merger {
	return &Merger{store: store}
}

// MergeBatch processes records in order. Invalid records (empty identity,
// unparsable identity, missing idempotency key) are reported and skipped;
// they never abort the batch. Intra-batch duplicates by (natural key,
// idempotency key) are resolved before the store is touched, so a batch
// that repeats a row behaves exactly like a replayed batch.
func (m *Merger) MergeBatch(ctx context.Context, records []Record) (*Report, error) {
	report := &Report{Results: make([]RecordResult, 0, len(records))}
	seen := make(map[[2]string]bool, len(records))

	for _, rec := range records {
		res := RecordResult{Identity: rec.Identity}

		key, err := normalize.NaturalKey(rec.Identity)
		if err != nil {
			res.Outcome = OutcomeInvalid
			res.Err = err
			report.add(res)
			continue
		}
		res.NaturalKey = key

		if rec.IdempotencyKey == "" {
			res.Outcome = OutcomeInvalid
			res.Err = eris.Errorf("merge: record %s: missing idempotency key", rec.Identity)
			report.add(res)
			continue
		}

		pair := [2]string{key, rec.IdempotencyKey}
		if seen[pair] {
			res.Outcome = OutcomeSkipped
			report.add(res)
			continue
		}
		seen[pair] = true

		lead, created, err := m.store.UpsertLead(ctx, key, rec.Fields, nil)
		if err != nil {
			return report, eris.Wrapf(err, "merge: upsert %s", key)
		}
		res.LeadID = lead.ID

		appended, err := m.store.AppendObservation(ctx, key, model.Observation{
			IdempotencyKey: rec.IdempotencyKey,
			SourceTag:      rec.SourceTag,
			Payload:        rec.Payload,
			ObservedAt:     rec.ObservedAt,
		})
		if err != nil {
			return report, eris.Wrapf(err, "merge: append observation %s", key)
		}

		switch {
		case created:
			res.Outcome = OutcomeCreated
		case appended:
			res.Outcome = OutcomeUpdated
		default:
			res.Outcome = OutcomeSkipped
		}
		report.add(res)
	}

	zap.L().Info("batch merged",
		zap.Int("records", len(records)),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("invalid", report.Invalid),
	)
	return report, nil
}

func (r *Report) add(res RecordResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeInvalid:
		r.Invalid++
	}
}
