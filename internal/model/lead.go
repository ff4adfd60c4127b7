package model

import "time"

// Channel identifies the outreach medium a lead is contacted through.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelDM       Channel = "dm"
	ChannelWhatsApp Channel = "whatsapp"
)

// Observation is a single piece of evidence about a lead collected by a
// producer (scraper, search, import). The producer assigns the idempotency
// key; submitting the same key twice for one lead stores it once.
type Observation struct {
	IdempotencyKey string         `json:"idempotency_key"`
	SourceTag      string         `json:"source_tag,omitempty"`
	Payload        map[string]any `json:"payload"`
	ObservedAt     time.Time      `json:"observed_at"`
}

// Lead is a prospect identified by one immutable natural key (normalized
// email, phone, or profile URL). Version increments by exactly one on every
// successful locked update; creation and collector merges leave it alone.
type Lead struct {
	ID                int64          `json:"id"`
	NaturalKey        string         `json:"natural_key"`
	Channel           Channel        `json:"channel,omitempty"`
	Name              string         `json:"name,omitempty"`
	Company           string         `json:"company,omitempty"`
	Title             string         `json:"title,omitempty"`
	Source            string         `json:"source,omitempty"`
	Status            DeliveryStatus `json:"status"`
	DMSent            bool           `json:"dm_sent"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Enrichment        map[string]any `json:"enrichment,omitempty"`
	Observations      []Observation  `json:"observations"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// HasObservation reports whether the lead already stores an observation
// with the given idempotency key.
func (l *Lead) HasObservation(idempotencyKey string) bool {
	for _, o := range l.Observations {
		if o.IdempotencyKey == idempotencyKey {
			return true
		}
	}
	return false
}

// LeadFields is the mutable profile payload applied on upsert. Empty
// strings mean "no value"; the merge policy keeps existing non-empty
// values unless the field name is listed in the overwrite set.
type LeadFields struct {
	Channel Channel
	Name    string
	Company string
	Title   string
	Source  string
}

// LeadChanges carries the optional field updates for the locked update
// path. Nil pointers leave the stored value untouched.
type LeadChanges struct {
	Status            *DeliveryStatus
	DMSent            *bool
	ProviderMessageID *string
	Enrichment        map[string]any
}

// Empty reports whether the change set would not modify anything.
func (c LeadChanges) Empty() bool {
	return c.Status == nil && c.DMSent == nil && c.ProviderMessageID == nil && c.Enrichment == nil
}
