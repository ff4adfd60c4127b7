// Package crm mirrors lead delivery state into Salesforce. The local store
// stays the source of truth; Salesforce records are matched by email and
// created on first sight.
package crm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/salesforce"
)

// statusMap translates delivery states to the standard Lead status picklist.
var statusMap = map[model.DeliveryStatus]string{
	model.DeliveryPending:   "Open - Not Contacted",
	model.DeliverySent:      "Working - Contacted",
	model.DeliveryDelivered: "Working - Contacted",
	model.DeliveryRead:      "Working - Contacted",
	model.DeliveryReplied:   "Qualified",
	model.DeliveryFailed:    "Closed - Not Converted",
}

// soqlChunk bounds the number of emails per lookup query so the SOQL stays
// well under the 20k character limit.
const soqlChunk = 200

// Report summarizes one sync run.
type Report struct {
	Updated int
	Created int
	Failed  int
	Skipped int
}

// syncStore is the slice of the store the syncer needs.
type syncStore interface {
	ListLeads(ctx context.Context, filter store.LeadFilter) ([]model.Lead, error)
	AppendActivity(ctx context.Context, rec model.ActivityRecord) (*model.ActivityRecord, error)
}

// Syncer pushes lead delivery statuses to Salesforce Lead records.
type Syncer struct {
	sf    salesforce.Client
	store syncStore
}

// New creates a Syncer.
func New(sf salesforce.Client, st syncStore) *Syncer {
	return &Syncer{sf: sf, store: st}
}

// Sync lists leads matching the filter and mirrors their state: existing
// Salesforce leads (matched by email) get a status update, unknown ones are
// created. Leads whose natural key is not an email are skipped; Salesforce
// has nothing to match them on.
func (s *Syncer) Sync(ctx context.Context, filter store.LeadFilter) (*Report, error) {
	leads, err := s.store.ListLeads(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "crm: list leads")
	}

	report := &Report{}
	byEmail := make(map[string]model.Lead, len(leads))
	emails := make([]string, 0, len(leads))
	for _, lead := range leads {
		if !strings.Contains(lead.NaturalKey, "@") {
			report.Skipped++
			continue
		}
		byEmail[lead.NaturalKey] = lead
		emails = append(emails, lead.NaturalKey)
	}
	if len(emails) == 0 {
		return report, nil
	}

	existing, err := s.lookup(ctx, emails)
	if err != nil {
		return report, err
	}

	var updates []salesforce.CollectionRecord
	var inserts []map[string]any
	for _, email := range emails {
		lead := byEmail[email]
		status, ok := statusMap[lead.Status]
		if !ok {
			report.Skipped++
			continue
		}
		if sfID, found := existing[email]; found {
			updates = append(updates, salesforce.CollectionRecord{
				ID:     sfID,
				Fields: map[string]any{"Status": status},
			})
		} else {
			inserts = append(inserts, map[string]any{
				"Email":      email,
				"LastName":   lastName(lead.Name),
				"Company":    company(lead.Company),
				"Title":      lead.Title,
				"Status":     status,
				"LeadSource": "Outreach",
			})
		}
	}

	if len(updates) > 0 {
		results, err := s.sf.UpdateCollection(ctx, "Lead", updates)
		if err != nil {
			return report, eris.Wrap(err, "crm: update leads")
		}
		tally(results, &report.Updated, &report.Failed)
	}
	if len(inserts) > 0 {
		results, err := s.sf.InsertCollection(ctx, "Lead", inserts)
		if err != nil {
			return report, eris.Wrap(err, "crm: insert leads")
		}
		tally(results, &report.Created, &report.Failed)
	}

	zap.L().Info("crm sync complete",
		zap.Int("updated", report.Updated),
		zap.Int("created", report.Created),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)

	_, err = s.store.AppendActivity(ctx, model.ActivityRecord{
		Type: model.ActivityCRMSynced,
		Body: fmt.Sprintf("salesforce sync: %d updated, %d created, %d failed", report.Updated, report.Created, report.Failed),
		Metadata: map[string]any{
			"updated": report.Updated,
			"created": report.Created,
			"failed":  report.Failed,
			"skipped": report.Skipped,
		},
	})
	if err != nil {
		zap.L().Warn("crm sync activity not recorded", zap.Error(err))
	}

	return report, nil
}

// sfLead is the SOQL projection used for email matching.
type sfLead struct {
	ID    string `json:"Id"`
	Email string `json:"Email"`
}

// lookup resolves emails to Salesforce Lead ids, chunking the IN clause.
func (s *Syncer) lookup(ctx context.Context, emails []string) (map[string]string, error) {
	out := make(map[string]string, len(emails))
	for start := 0; start < len(emails); start += soqlChunk {
		end := min(start+soqlChunk, len(emails))

		quoted := make([]string, 0, end-start)
		for _, e := range emails[start:end] {
			quoted = append(quoted, "'"+strings.ReplaceAll(e, "'", `\'`)+"'")
		}
		soql := "SELECT Id, Email FROM Lead WHERE Email IN (" + strings.Join(quoted, ",") + ")"

		var matches []sfLead
		if err := s.sf.Query(ctx, soql, &matches); err != nil {
			return nil, eris.Wrap(err, "crm: lookup leads")
		}
		for _, m := range matches {
			out[strings.ToLower(m.Email)] = m.ID
		}
	}
	return out, nil
}

func tally(results []salesforce.CollectionResult, ok, failed *int) {
	for _, r := range results {
		if r.Success {
			*ok++
		} else {
			*failed++
			zap.L().Warn("crm record rejected", zap.String("sf_id", r.ID), zap.Strings("errors", r.Errors))
		}
	}
}

// lastName extracts a usable LastName; Salesforce requires one.
func lastName(full string) string {
	full = strings.TrimSpace(full)
	if full == "" {
		return "Unknown"
	}
	parts := strings.Fields(full)
	return parts[len(parts)-1]
}

// company fills the required Company field.
func company(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Unknown"
	}
	return name
}
