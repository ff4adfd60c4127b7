package model

import "time"

// ActivityType tags an entry in the append-only activity ledger.
type ActivityType string

const (
	ActivityLeadCreated     ActivityType = "lead_created"
	ActivityMessageSent     ActivityType = "message_sent"
	ActivityStatusChanged   ActivityType = "status_changed"
	ActivityReplyReceived   ActivityType = "reply_received"
	ActivityDeliveryFailed  ActivityType = "delivery_failed"
	ActivityEnriched        ActivityType = "enriched"
	ActivityJobStateChanged ActivityType = "job_state_changed"
	ActivityCRMSynced       ActivityType = "crm_synced"
)

// ActivityRecord is one append-only entry in the ledger. LeadID is nil for
// system-wide events. ProviderEventID, when set, deduplicates webhook
// replays: the ledger enforces uniqueness on it and the surrounding event
// transaction becomes a no-op on conflict.
type ActivityRecord struct {
	ID              int64          `json:"id"`
	LeadID          *int64         `json:"lead_id,omitempty"`
	Type            ActivityType   `json:"type"`
	Body            string         `json:"body,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
