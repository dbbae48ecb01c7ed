package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/subwave-io/subwave/broker"
	"github.com/subwave-io/subwave/spec"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// State machine errors surfaced to the transport layer
var (
	ErrDuplicateSubscription   = errors.New("subscription: user already has an open subscription")
	ErrInvalidPlan             = errors.New("subscription: plan does not exist or is inactive")
	ErrInvalidPaymentReference = errors.New("subscription: payment reference was already consumed")
	ErrNoActiveSubscription    = errors.New("subscription: no active subscription for user")
	ErrSamePlan                = errors.New("subscription: subscription is already on this plan")
	ErrPlanNotReplicated       = errors.New("subscription: plan has not been replicated to the payment gateway yet")
	ErrSubscriptionNotFound    = errors.New("subscription: subscription not found")
)

// DefaultRequestTimeout bounds blocking gateway calls made by the Manager.
const DefaultRequestTimeout = 10 * time.Second

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB             *gorm.DB
	Logger         *zap.Logger
	Gateway        broker.Gateway
	Plans          *PlanManager
	RequestTimeout time.Duration
}

// Manager owns the subscription state machine. All writes to Subscription and
// BillingHistory flow through it or the webhook Reconciler.
type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.RequestTimeout <= 0 {
		option.RequestTimeout = DefaultRequestTimeout
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &BillingHistory{}, &WebhookEvent{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	// one open subscription per user, enforced by the database
	if err := option.DB.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_user_open_subscription ON subscriptions(user_id) WHERE status IN ('PENDING','ACTIVE','PAST_DUE')",
	).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot create open-subscription index")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// CreateSubscription runs the subscribe saga: guard checks, a blocking
// payment-reference validation against the payment service, a local commit of
// the PENDING subscription and its PENDING billing record, then a
// fire-and-forget payment intent request. The commit is the point of no
// return: an emit failure afterwards is logged, not rolled back, and the
// subscription stays PENDING until a webhook (or operator) resolves it.
func (m *Manager) CreateSubscription(ctx context.Context, userID, planID, paymentReference string) (*Subscription, error) {
	var open int64
	if result := m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("user_id = ?", userID).
		Where("status IN ?", openStatuses).
		Count(&open); result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot check for open subscription")
	}
	if open > 0 {
		return nil, ErrDuplicateSubscription
	}

	plan, err := m.Plans.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.IsActive {
		return nil, ErrInvalidPlan
	}

	if err := m.validatePaymentReference(ctx, paymentReference); err != nil {
		return nil, err
	}

	now := time.Now()
	sub := &Subscription{
		ID:                 shortuuid.New(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             StatusPending,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   advancePeriod(now, plan.Interval),
	}
	billing := &BillingHistory{
		ID:               shortuuid.New(),
		SubscriptionID:   sub.ID,
		Amount:           plan.Price,
		Currency:         plan.Currency,
		Status:           BillingPending,
		GatewayPaymentID: paymentReference,
		BillingDate:      now,
		Description:      fmt.Sprintf("Subscription to %s plan", plan.Name),
	}

	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(sub); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return ErrDuplicateSubscription
			}
			return result.Error
		}
		return tx.Create(billing).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateSubscription) {
			return nil, err
		}
		m.Logger.Error("Unable to create subscription",
			zap.String("UserID", userID),
			zap.String("PlanID", planID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create subscription")
	}

	if err := m.Gateway.Emit(spec.TopicCreatePaymentIntent, spec.CreatePaymentIntentRequest{
		SubscriptionID:   sub.ID,
		UserID:           userID,
		Amount:           plan.Price,
		Currency:         plan.Currency,
		PaymentReference: paymentReference,
		Description:      billing.Description,
	}); err != nil {
		m.Logger.Error("Unable to request payment intent, subscription stays pending",
			zap.String("SubscriptionID", sub.ID),
			zap.Error(err),
		)
	}
	return sub, nil
}

// validatePaymentReference asks the payment service whether the reference is
// already known. A reference that exists was consumed by an earlier attempt
// and must not anchor a new one.
func (m *Manager) validatePaymentReference(ctx context.Context, reference string) error {
	reply, err := m.Gateway.Request(ctx, spec.TopicValidatePaymentReference, reference, m.RequestTimeout)
	if err != nil {
		return err
	}
	var exists bool
	if err := json.Unmarshal(reply, &exists); err != nil {
		return extErrors.Wrap(err, "Cannot decode payment reference reply")
	}
	if exists {
		return ErrInvalidPaymentReference
	}
	return nil
}

// UpdateSubscription migrates the user's current subscription to a different
// plan. The gateway call blocks before any local write; on success the old
// subscription is cancelled and the replacement starts a fresh ACTIVE period
// with a PENDING billing record, both in one transaction.
func (m *Manager) UpdateSubscription(ctx context.Context, userID, newPlanID string) (*Subscription, error) {
	var current Subscription
	result := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("status IN ?", []Status{StatusActive, StatusPastDue}).
		Order("created_at desc").
		First(&current)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot find current subscription")
	}
	if current.PlanID == newPlanID {
		return nil, ErrSamePlan
	}

	plan, err := m.Plans.GetPlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.IsActive {
		return nil, ErrInvalidPlan
	}
	if plan.GatewayPlanID == "" {
		return nil, ErrPlanNotReplicated
	}

	reply, err := m.Gateway.Request(ctx, spec.TopicUpdateSubscription, spec.UpdateSubscriptionRequest{
		SubscriptionID: current.ID,
		GatewayPlanID:  plan.GatewayPlanID,
		UserID:         userID,
	}, m.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var gatewayPaymentID string
	if err := json.Unmarshal(reply, &gatewayPaymentID); err != nil {
		return nil, extErrors.Wrap(err, "Cannot decode gateway payment id")
	}

	now := time.Now()
	replacement := &Subscription{
		ID:                 shortuuid.New(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   advancePeriod(now, plan.Interval),
	}
	billing := &BillingHistory{
		ID:               shortuuid.New(),
		SubscriptionID:   replacement.ID,
		Amount:           plan.Price,
		Currency:         plan.Currency,
		Status:           BillingPending,
		GatewayPaymentID: gatewayPaymentID,
		BillingDate:      now,
		Description:      fmt.Sprintf("Updated subscription to %s plan", plan.Name),
	}

	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Model(&Subscription{}).
			Where("id = ?", current.ID).
			Updates(map[string]interface{}{
				"status":       StatusCancelled,
				"cancelled_at": now,
			}); result.Error != nil {
			return result.Error
		}
		if result := tx.Create(replacement); result.Error != nil {
			return result.Error
		}
		return tx.Create(billing).Error
	})
	if err != nil {
		m.Logger.Error("Unable to migrate subscription",
			zap.String("UserID", userID),
			zap.String("SubscriptionID", current.ID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot update subscription")
	}
	return replacement, nil
}

// CancelSubscription cancels the user's open subscription. The gateway is
// notified best-effort: a failure there is logged and the local cancellation
// proceeds, since the user's intent to stop paying wins.
func (m *Manager) CancelSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var current Subscription
	result := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("status IN ?", openStatuses).
		Order("created_at desc").
		First(&current)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveSubscription
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot find current subscription")
	}

	if _, err := m.Gateway.Request(ctx, spec.TopicCancelSubscription, userID, m.RequestTimeout); err != nil {
		m.Logger.Warn("Gateway cancellation failed, proceeding locally",
			zap.String("SubscriptionID", current.ID),
			zap.Error(err),
		)
	}

	now := time.Now()
	if result := m.DB.WithContext(ctx).Model(&Subscription{}).
		Where("id = ?", current.ID).
		Updates(map[string]interface{}{
			"status":       StatusCancelled,
			"cancelled_at": now,
		}); result.Error != nil {
		m.Logger.Error("Unable to cancel subscription",
			zap.String("SubscriptionID", current.ID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot cancel subscription")
	}
	current.Status = StatusCancelled
	current.CancelledAt = &now
	return &current, nil
}

// GetActiveSubscription returns the user's open subscription, or nil without
// error when there is none.
func (m *Manager) GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("status IN ?", openStatuses).
		Order("created_at desc").
		First(&sub)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get active subscription")
	}
	return &sub, nil
}

// ListSubscriptions returns the user's subscriptions, newest first.
func (m *Manager) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	subs := make([]Subscription, 0)
	result := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&subs)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list subscriptions")
	}
	return subs, nil
}

// ListBillingHistory returns every billing record across the user's
// subscriptions, newest first.
func (m *Manager) ListBillingHistory(ctx context.Context, userID string) ([]BillingHistory, error) {
	records := make([]BillingHistory, 0)
	result := m.DB.WithContext(ctx).
		Where("subscription_id IN (?)", m.DB.WithContext(ctx).Model(&Subscription{}).
			Select("id").
			Where("user_id = ?", userID)).
		Order("billing_date desc").
		Find(&records)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list billing history")
	}
	return records, nil
}

// GetSubscription returns a subscription by id scoped to its owner.
func (m *Manager) GetSubscription(ctx context.Context, userID, subscriptionID string) (*Subscription, error) {
	var sub Subscription
	result := m.DB.WithContext(ctx).
		Where("id = ?", subscriptionID).
		Where("user_id = ?", userID).
		First(&sub)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot get subscription")
	}
	return &sub, nil
}
