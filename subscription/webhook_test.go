package subscription

import (
	"context"
	"testing"

	"github.com/subwave-io/subwave/spec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func webhookEvent(reference, eventType string) spec.WebhookEvent {
	return spec.WebhookEvent{
		PaymentReference: reference,
		EventType:        eventType,
		Status:           "simulated",
		Payload: spec.WebhookPayload{
			ID:     "evt_test",
			Object: "event",
			Type:   eventType,
		},
	}
}

func (e *testEnv) pendingSubscription(t *testing.T, userID, reference string) *Subscription {
	plan := e.newPlan(t, "Pro-"+userID+reference, 2999, IntervalMonthly)
	sub, err := e.manager.CreateSubscription(context.Background(), userID, plan.ID, reference)
	require.NoError(t, err)
	return sub
}

func TestHandleWebhookPromotesPendingSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.stubPaymentService(t, false)
	sub := env.pendingSubscription(t, "u1", "ref-1")

	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), webhookEvent("ref-1", spec.EventPaymentSucceeded)))

	var updated Subscription
	require.NoError(t, env.db.Where("id = ?", sub.ID).First(&updated).Error)
	assert.Equal(t, StatusActive, updated.Status)

	var billing BillingHistory
	require.NoError(t, env.db.Where("gateway_payment_id = ?", "ref-1").First(&billing).Error)
	assert.Equal(t, BillingPaid, billing.Status)

	var audit WebhookEvent
	require.NoError(t, env.db.Where("subscription_id = ?", sub.ID).First(&audit).Error)
	assert.True(t, audit.Processed)
	assert.Equal(t, spec.EventPaymentSucceeded, audit.EventType)
}

func TestHandleWebhookFailureMarksPastDue(t *testing.T) {
	env := newTestEnv(t)
	env.stubPaymentService(t, false)
	sub := env.pendingSubscription(t, "u1", "ref-1")

	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), webhookEvent("ref-1", spec.EventPaymentFailed)))

	var updated Subscription
	require.NoError(t, env.db.Where("id = ?", sub.ID).First(&updated).Error)
	assert.Equal(t, StatusPastDue, updated.Status)

	var billing BillingHistory
	require.NoError(t, env.db.Where("gateway_payment_id = ?", "ref-1").First(&billing).Error)
	assert.Equal(t, BillingFailed, billing.Status)
}

func TestHandleWebhookReplayIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	env.stubPaymentService(t, false)
	sub := env.pendingSubscription(t, "u1", "ref-1")

	event := webhookEvent("ref-1", spec.EventPaymentSucceeded)
	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), event))
	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), event))

	var updated Subscription
	require.NoError(t, env.db.Where("id = ?", sub.ID).First(&updated).Error)
	assert.Equal(t, StatusActive, updated.Status)

	var audits []WebhookEvent
	require.NoError(t, env.db.Find(&audits).Error)
	require.Len(t, audits, 2, "every delivery leaves an audit row")
	processed := 0
	for _, a := range audits {
		if a.Processed {
			processed++
		}
	}
	assert.Equal(t, 1, processed, "only the first delivery changed state")
}

func TestHandleWebhookUnmatchedReference(t *testing.T) {
	env := newTestEnv(t)
	env.stubPaymentService(t, false)

	err := env.reconciler.HandleWebhook(context.Background(), webhookEvent("ref-unknown", spec.EventPaymentSucceeded))
	assert.NoError(t, err, "an unmatched webhook is acked, not retried")

	var audits []WebhookEvent
	require.NoError(t, env.db.Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.False(t, audits[0].Processed)
}

func TestHandleWebhookUnknownEventType(t *testing.T) {
	env := newTestEnv(t)
	env.stubPaymentService(t, false)
	env.pendingSubscription(t, "u1", "ref-1")

	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), webhookEvent("ref-1", "payment_exploded")))

	var billing BillingHistory
	require.NoError(t, env.db.Where("gateway_payment_id = ?", "ref-1").First(&billing).Error)
	assert.Equal(t, BillingPending, billing.Status, "unknown events change nothing")
}

func TestHandleWebhookRefund(t *testing.T) {
	env := newTestEnv(t)
	env.stubPaymentService(t, false)
	sub := env.pendingSubscription(t, "u1", "ref-1")
	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), webhookEvent("ref-1", spec.EventPaymentSucceeded)))

	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), webhookEvent("ref-1", spec.EventPaymentRefunded)))

	var refund BillingHistory
	require.NoError(t, env.db.Where("status = ?", BillingRefunded).First(&refund).Error)
	assert.Equal(t, sub.ID, refund.SubscriptionID)
	assert.Equal(t, int64(-2999), refund.Amount)
	assert.Equal(t, "ref-1", refund.GatewayPaymentID)

	// replaying the refund must not double compensate
	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), webhookEvent("ref-1", spec.EventPaymentRefunded)))
	var refunds int64
	require.NoError(t, env.db.Model(&BillingHistory{}).Where("status = ?", BillingRefunded).Count(&refunds).Error)
	assert.Equal(t, int64(1), refunds)

	var updated Subscription
	require.NoError(t, env.db.Where("id = ?", sub.ID).First(&updated).Error)
	assert.Equal(t, StatusActive, updated.Status, "refunds do not move the lifecycle")
}

func TestHandleWebhookNeverRevivesCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.stubPaymentService(t, false)
	sub := env.pendingSubscription(t, "u1", "ref-1")
	_, err := env.manager.CancelSubscription(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, env.reconciler.HandleWebhook(context.Background(), webhookEvent("ref-1", spec.EventPaymentSucceeded)))

	var updated Subscription
	require.NoError(t, env.db.Where("id = ?", sub.ID).First(&updated).Error)
	assert.Equal(t, StatusCancelled, updated.Status)

	var billing BillingHistory
	require.NoError(t, env.db.Where("gateway_payment_id = ?", "ref-1").First(&billing).Error)
	assert.Equal(t, BillingPaid, billing.Status, "the money arrived even though the subscription is gone")
}
