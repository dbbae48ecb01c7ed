package spec

// Topic names shared between the subscription and payment services. These are
// wire contracts: renaming one is a breaking change for any peer still
// consuming the old queue.
const (
	// subscription -> payment, request/reply
	TopicValidatePaymentReference = "payment_service_validate_payment_reference"
	TopicUpdateSubscription       = "payment_service_update_subscription"
	TopicCancelSubscription       = "payment_service_cancel_subscription"
	TopicCreatePlan               = "payment_service_create_plan"
	TopicUpdatePlan               = "payment_service_update_plan"
	TopicDeletePlan               = "payment_service_delete_plan"

	// subscription -> payment, fire-and-forget
	TopicCreatePaymentIntent = "payment_service_create_payment_intent"

	// payment -> subscription, fire-and-forget
	TopicSubscriptionWebhook = "user_subscription_service_create_subscription"
)

// Webhook event types emitted by the payment service
const (
	EventPaymentSucceeded = "payment_succeeded"
	EventPaymentFailed    = "payment_failed"
	EventPaymentRefunded  = "payment_refunded"
)

// Delivery status reported inside webhook events
const (
	WebhookDelivered = "DELIVERED"
)
