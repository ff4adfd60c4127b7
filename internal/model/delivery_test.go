package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatus_HappyPath(t *testing.T) {
	assert.True(t, DeliveryPending.CanTransition(DeliverySent))
	assert.True(t, DeliverySent.CanTransition(DeliveryDelivered))
	assert.True(t, DeliveryDelivered.CanTransition(DeliveryRead))
}

func TestDeliveryStatus_NoSkippingAhead(t *testing.T) {
	assert.False(t, DeliveryPending.CanTransition(DeliveryDelivered))
	assert.False(t, DeliveryPending.CanTransition(DeliveryRead))
	assert.False(t, DeliverySent.CanTransition(DeliveryRead))
}

func TestDeliveryStatus_FailedFromPreTerminalOnly(t *testing.T) {
	assert.True(t, DeliveryPending.CanTransition(DeliveryFailed))
	assert.True(t, DeliverySent.CanTransition(DeliveryFailed))
	assert.True(t, DeliveryDelivered.CanTransition(DeliveryFailed))

	assert.False(t, DeliveryRead.CanTransition(DeliveryFailed))
	assert.False(t, DeliveryFailed.CanTransition(DeliveryFailed))
	assert.False(t, DeliveryReplied.CanTransition(DeliveryFailed))
}

func TestDeliveryStatus_RepliedBranch(t *testing.T) {
	assert.False(t, DeliveryPending.CanTransition(DeliveryReplied))
	assert.True(t, DeliverySent.CanTransition(DeliveryReplied))
	assert.True(t, DeliveryDelivered.CanTransition(DeliveryReplied))
	assert.True(t, DeliveryRead.CanTransition(DeliveryReplied))
	assert.False(t, DeliveryFailed.CanTransition(DeliveryReplied))
}

func TestJobStatus_Transitions(t *testing.T) {
	assert.True(t, JobPending.CanTransition(JobRunning))
	assert.True(t, JobRunning.CanTransition(JobPaused))
	assert.True(t, JobPaused.CanTransition(JobRunning))
	assert.True(t, JobRunning.CanTransition(JobCompleted))
	assert.True(t, JobPaused.CanTransition(JobCancelled))

	assert.False(t, JobPending.CanTransition(JobCompleted))
	assert.False(t, JobCompleted.CanTransition(JobRunning))
	assert.False(t, JobCancelled.CanTransition(JobRunning))
	assert.False(t, JobPaused.CanTransition(JobCompleted))
}

func TestLead_HasObservation(t *testing.T) {
	l := &Lead{Observations: []Observation{{IdempotencyKey: "p1"}, {IdempotencyKey: "p2"}}}
	assert.True(t, l.HasObservation("p1"))
	assert.False(t, l.HasObservation("p3"))
}
