// Package dispatch routes inbound provider webhook events onto leads. Each
// recognized event applies one optimistic lead transition plus one activity
// record in a single transaction; replays and unknown events are
// acknowledged without mutation so the provider stops redelivering.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/normalize"
	"github.com/sells-group/outreach-cli/internal/store"
)

// EventKind is the closed set of provider events the dispatcher understands.
type EventKind string

const (
	EventDelivered EventKind = "message.delivered"
	EventRead      EventKind = "message.read"
	EventReplied   EventKind = "message.replied"
	EventFailed    EventKind = "message.failed"
)

// ParseEventKind maps a wire string onto the enum. ok is false for kinds
// outside the closed set.
func ParseEventKind(s string) (EventKind, bool) {
	switch EventKind(s) {
	case EventDelivered, EventRead, EventReplied, EventFailed:
		return EventKind(s), true
	}
	return "", false
}

// target returns the delivery status and activity type an event maps to.
func (k EventKind) target() (model.DeliveryStatus, model.ActivityType) {
	switch k {
	case EventDelivered:
		return model.DeliveryDelivered, model.ActivityStatusChanged
	case EventRead:
		return model.DeliveryRead, model.ActivityStatusChanged
	case EventReplied:
		return model.DeliveryReplied, model.ActivityReplyReceived
	case EventFailed:
		return model.DeliveryFailed, model.ActivityDeliveryFailed
	}
	return "", ""
}

// Event is one inbound webhook payload. Either ProviderMessageID or
// Recipient must identify the lead.
type Event struct {
	Kind              string         `json:"eventType"`
	EventID           string         `json:"event_id,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Recipient         string         `json:"recipient,omitempty"`
	Detail            string         `json:"detail,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at,omitempty"`
}

// Dispatcher applies webhook events to the store.
type Dispatcher struct {
	store store.Store
	// conflictRetries bounds rereads when an event races another writer.
	conflictRetries int
}

// New creates a Dispatcher.
func New(st store.Store) *Dispatcher {
	return &Dispatcher{store: st, conflictRetries: 3}
}

// Handle processes one event. A nil return means the event is settled and
// the provider must not redeliver: applied, replayed, unknown kind, unknown
// lead, or a transition the state machine forbids. Errors are reserved for
// infrastructure failures where redelivery can succeed.
func (d *Dispatcher) Handle(ctx context.Context, evt Event) error {
	log := zap.L().With(zap.String("kind", evt.Kind), zap.String("event_id", evt.EventID))

	kind, ok := ParseEventKind(evt.Kind)
	if !ok {
		log.Info("ignoring unknown event kind")
		return nil
	}

	lead, err := d.resolveLead(ctx, evt)
	if err != nil {
		if store.IsNotFound(err) {
			log.Warn("dropping event for unknown lead",
				zap.String("provider_message_id", evt.ProviderMessageID),
				zap.String("recipient", evt.Recipient))
			return nil
		}
		return err
	}

	target, activityType := kind.target()
	for attempt := 0; attempt < d.conflictRetries; attempt++ {
		if !lead.Status.CanTransition(target) {
			// Out-of-order or late event; the current state stands.
			log.Info("ignoring disallowed transition",
				zap.Int64("lead_id", lead.ID),
				zap.String("from", string(lead.Status)),
				zap.String("to", string(target)))
			return nil
		}

		changes := model.LeadChanges{Status: &target}
		_, err = d.store.ApplyLeadEvent(ctx, lead.ID, lead.Version, changes, model.ActivityRecord{
			Type:            activityType,
			Body:            eventBody(kind, lead.Status, target, evt.Detail),
			Metadata:        evt.Metadata,
			ProviderEventID: evt.EventID,
			CreatedAt:       evt.OccurredAt,
		})
		if err == nil {
			log.Info("event applied", zap.Int64("lead_id", lead.ID), zap.String("status", string(target)))
			return nil
		}
		if errors.Is(err, store.ErrDuplicateEvent) {
			log.Info("replayed event acknowledged", zap.Int64("lead_id", lead.ID))
			return nil
		}
		if !store.IsConflict(err) {
			return err
		}

		// Another writer moved the lead; reread and re-evaluate.
		lead, err = d.store.GetLead(ctx, lead.ID)
		if err != nil {
			return err
		}
	}
	return eris.Errorf("dispatch: event %s kept conflicting on lead", evt.EventID)
}

// resolveLead finds the lead the event refers to: provider message id
// first, then the normalized recipient.
func (d *Dispatcher) resolveLead(ctx context.Context, evt Event) (*model.Lead, error) {
	if evt.ProviderMessageID != "" {
		lead, err := d.store.GetLeadByProviderMessageID(ctx, evt.ProviderMessageID)
		if err == nil {
			return lead, nil
		}
		if !store.IsNotFound(err) {
			return nil, err
		}
	}
	if evt.Recipient != "" {
		key, err := normalize.NaturalKey(evt.Recipient)
		if err != nil {
			return nil, eris.Wrapf(store.ErrNotFound, "dispatch: unusable recipient %q", evt.Recipient)
		}
		return d.store.GetLeadByNaturalKey(ctx, key)
	}
	return nil, eris.Wrap(store.ErrNotFound, "dispatch: event carries no lead reference")
}

func eventBody(kind EventKind, from, to model.DeliveryStatus, detail string) string {
	body := fmt.Sprintf("%s: %s -> %s", kind, from, to)
	if detail != "" {
		body += ": " + detail
	}
	return body
}
