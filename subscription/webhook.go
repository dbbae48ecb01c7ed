package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/subwave-io/subwave/spec"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcilerOptions provides initialization parameters for Reconciler
type ReconcilerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Reconciler applies asynchronous payment outcomes to subscription state. It
// is the only webhook consumer and must stay idempotent: a replayed event
// finds no matching billing record in the expected state and becomes a logged
// no-op.
type Reconciler struct {
	ReconcilerOptions
}

func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// HandleWebhook processes one gateway event inside a single transaction.
// Every attempt leaves an audit row; Processed is true only when subscription
// or billing state actually changed. Unmatched events never return an error,
// so the consumer acks them instead of redelivering forever.
func (r *Reconciler) HandleWebhook(ctx context.Context, event spec.WebhookEvent) error {
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch event.EventType {
		case spec.EventPaymentSucceeded:
			return r.applyOutcome(tx, event, BillingPaid, StatusActive)
		case spec.EventPaymentFailed:
			return r.applyOutcome(tx, event, BillingFailed, StatusPastDue)
		case spec.EventPaymentRefunded:
			return r.applyRefund(tx, event)
		default:
			r.Logger.Warn("Webhook carried unknown event type",
				zap.String("EventType", event.EventType),
				zap.String("PaymentReference", event.PaymentReference),
			)
			return r.audit(tx, "", event, false)
		}
	})
	if err != nil {
		r.Logger.Error("Unable to reconcile webhook",
			zap.String("PaymentReference", event.PaymentReference),
			zap.String("EventType", event.EventType),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot reconcile webhook")
	}
	return nil
}

// applyOutcome resolves the one outstanding PENDING billing record matching
// the event's reference and moves its subscription accordingly. A cancelled
// subscription is never revived.
func (r *Reconciler) applyOutcome(tx *gorm.DB, event spec.WebhookEvent, billingStatus BillingStatus, subStatus Status) error {
	var billing BillingHistory
	result := tx.Where("gateway_payment_id = ?", event.PaymentReference).
		Where("status = ?", BillingPending).
		First(&billing)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		r.Logger.Warn("Webhook matched no pending billing record",
			zap.String("PaymentReference", event.PaymentReference),
			zap.String("EventType", event.EventType),
		)
		return r.audit(tx, "", event, false)
	}
	if result.Error != nil {
		return result.Error
	}

	if result := tx.Model(&BillingHistory{}).
		Where("id = ?", billing.ID).
		Update("status", billingStatus); result.Error != nil {
		return result.Error
	}
	if result := tx.Model(&Subscription{}).
		Where("id = ?", billing.SubscriptionID).
		Where("status <> ?", StatusCancelled).
		Update("status", subStatus); result.Error != nil {
		return result.Error
	}
	r.Logger.Info("Webhook reconciled",
		zap.String("SubscriptionID", billing.SubscriptionID),
		zap.String("EventType", event.EventType),
		zap.String("BillingStatus", string(billingStatus)),
	)
	return r.audit(tx, billing.SubscriptionID, event, true)
}

// applyRefund records a compensating negative-amount entry against the PAID
// record matching the reference. The subscription status is untouched:
// refunds are a money movement, not a lifecycle transition.
func (r *Reconciler) applyRefund(tx *gorm.DB, event spec.WebhookEvent) error {
	var paid BillingHistory
	result := tx.Where("gateway_payment_id = ?", event.PaymentReference).
		Where("status = ?", BillingPaid).
		First(&paid)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		r.Logger.Warn("Refund webhook matched no paid billing record",
			zap.String("PaymentReference", event.PaymentReference),
		)
		return r.audit(tx, "", event, false)
	}
	if result.Error != nil {
		return result.Error
	}

	// one refund per paid record
	var existing int64
	if result := tx.Model(&BillingHistory{}).
		Where("gateway_payment_id = ?", paid.GatewayPaymentID).
		Where("status = ?", BillingRefunded).
		Count(&existing); result.Error != nil {
		return result.Error
	}
	if existing > 0 {
		r.Logger.Warn("Refund webhook already applied",
			zap.String("PaymentReference", event.PaymentReference),
		)
		return r.audit(tx, paid.SubscriptionID, event, false)
	}

	refund := &BillingHistory{
		ID:               shortuuid.New(),
		SubscriptionID:   paid.SubscriptionID,
		Amount:           -paid.Amount,
		Currency:         paid.Currency,
		Status:           BillingRefunded,
		GatewayPaymentID: paid.GatewayPaymentID,
		BillingDate:      paid.BillingDate,
		Description:      fmt.Sprintf("Refund: %s", paid.Description),
	}
	if result := tx.Create(refund); result.Error != nil {
		return result.Error
	}
	return r.audit(tx, paid.SubscriptionID, event, true)
}

func (r *Reconciler) audit(tx *gorm.DB, subscriptionID string, event spec.WebhookEvent, processed bool) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	return tx.Create(&WebhookEvent{
		ID:             shortuuid.New(),
		SubscriptionID: subscriptionID,
		EventType:      event.EventType,
		Payload:        string(payload),
		Processed:      processed,
	}).Error
}
