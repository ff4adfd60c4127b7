package model

// DeliveryStatus tracks the last known delivery state for a lead's most
// recent outbound message, as observed through provider webhooks.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryRead      DeliveryStatus = "READ"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryReplied   DeliveryStatus = "REPLIED"
)

// Terminal reports whether no further transition is allowed from s.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryRead, DeliveryFailed, DeliveryReplied:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal step in
// the delivery state machine:
//
//	PENDING → SENT → DELIVERED → READ
//	FAILED from any pre-terminal state
//	REPLIED from SENT, DELIVERED, or READ
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	switch next {
	case DeliverySent:
		return s == DeliveryPending
	case DeliveryDelivered:
		return s == DeliverySent
	case DeliveryRead:
		return s == DeliveryDelivered
	case DeliveryFailed:
		return !s.Terminal()
	case DeliveryReplied:
		return s == DeliverySent || s == DeliveryDelivered || s == DeliveryRead
	}
	return false
}
