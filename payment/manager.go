package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/subwave-io/subwave/broker"
	"github.com/subwave-io/subwave/spec"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultProcessingDelay approximates the settlement lag of a real payment
// gateway before the outcome webhook fires.
const DefaultProcessingDelay = 3 * time.Second

// ErrPlanNotFound is returned when a replication request names an unknown
// gateway plan.
var ErrPlanNotFound = errors.New("payment: gateway plan not found")

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB              *gorm.DB
	Logger          *zap.Logger
	Gateway         broker.Gateway
	ProcessingDelay time.Duration
}

// Manager simulates the payment gateway: it opens payment intents, settles
// them after ProcessingDelay, and emits gateway-shaped webhooks back to the
// subscription service. No real charge ever happens.
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
	if option.ProcessingDelay <= 0 {
		option.ProcessingDelay = DefaultProcessingDelay
	}
	if err := option.DB.AutoMigrate(&Payment{}, &Plan{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize payment.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func syntheticID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// ReferenceExists reports whether a payment reference was already consumed by
// an earlier attempt.
func (m *Manager) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	var count int64
	result := m.DB.WithContext(ctx).Model(&Payment{}).
		Where("gateway_payment_id = ?", reference).
		Count(&count)
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot check payment reference")
	}
	return count > 0, nil
}

// CreatePaymentIntent records a PENDING payment and schedules its settlement.
// The reference is consumed at insert time, so a duplicate create request
// fails validation on the next attempt rather than double charging.
func (m *Manager) CreatePaymentIntent(ctx context.Context, req spec.CreatePaymentIntentRequest) (*Payment, error) {
	payment := &Payment{
		ID:               syntheticID("pi"),
		SubscriptionID:   req.SubscriptionID,
		UserID:           req.UserID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Status:           StatusPending,
		GatewayPaymentID: req.PaymentReference,
		Description:      req.Description,
	}
	if result := m.DB.WithContext(ctx).Create(payment); result.Error != nil {
		m.Logger.Error("Unable to create payment intent",
			zap.String("SubscriptionID", req.SubscriptionID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create payment intent")
	}

	m.Logger.Info("Payment intent created",
		zap.String("PaymentID", payment.ID),
		zap.String("PaymentReference", payment.GatewayPaymentID),
	)
	m.scheduleSettlement(*payment)
	return payment, nil
}

// scheduleSettlement settles the intent after ProcessingDelay and emits the
// outcome webhook. The simulation always settles successfully.
func (m *Manager) scheduleSettlement(payment Payment) {
	time.AfterFunc(m.ProcessingDelay, func() {
		if result := m.DB.Model(&Payment{}).
			Where("id = ?", payment.ID).
			Update("status", StatusSucceeded); result.Error != nil {
			m.Logger.Error("Unable to settle payment",
				zap.String("PaymentID", payment.ID),
				zap.Error(result.Error),
			)
			return
		}
		event := buildWebhookEvent(payment, spec.EventPaymentSucceeded, "succeeded")
		if err := m.Gateway.Emit(spec.TopicSubscriptionWebhook, event); err != nil {
			m.Logger.Error("Unable to emit outcome webhook",
				zap.String("PaymentID", payment.ID),
				zap.Error(err),
			)
			return
		}
		m.Logger.Info("Payment settled, webhook emitted",
			zap.String("PaymentID", payment.ID),
			zap.String("PaymentReference", payment.GatewayPaymentID),
		)
	})
}

// buildWebhookEvent shapes the outcome like a real gateway's event envelope.
func buildWebhookEvent(payment Payment, eventType, status string) spec.WebhookEvent {
	return spec.WebhookEvent{
		PaymentReference: payment.GatewayPaymentID,
		EventType:        eventType,
		Status:           status,
		Payload: spec.WebhookPayload{
			ID:     syntheticID("evt"),
			Object: "event",
			Type:   "payment_intent." + status,
			Data: spec.WebhookData{
				Object: spec.WebhookObject{
					ID:       payment.ID,
					Amount:   payment.Amount,
					Currency: strings.ToLower(payment.Currency),
					Status:   status,
					Metadata: map[string]string{
						"refId": payment.GatewayPaymentID,
					},
				},
			},
			Created: time.Now().Unix(),
		},
	}
}

// MigrateSubscription opens a payment for the migrated subscription's first
// period on the new plan and replies with its gateway payment id. Settlement
// follows the same delayed webhook path as a fresh intent.
func (m *Manager) MigrateSubscription(ctx context.Context, req spec.UpdateSubscriptionRequest) (string, error) {
	var plan Plan
	result := m.DB.WithContext(ctx).Where("id = ?", req.GatewayPlanID).First(&plan)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", ErrPlanNotFound
	}
	if result.Error != nil {
		return "", extErrors.Wrap(result.Error, "Cannot look up gateway plan")
	}

	payment := &Payment{
		ID:             syntheticID("pi"),
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		Amount:         plan.Price,
		Currency:       plan.Currency,
		Status:         StatusPending,
		Description:    fmt.Sprintf("Plan migration to %s", plan.Name),
	}
	payment.GatewayPaymentID = payment.ID
	if result := m.DB.WithContext(ctx).Create(payment); result.Error != nil {
		return "", extErrors.Wrap(result.Error, "Cannot create migration payment")
	}
	m.scheduleSettlement(*payment)
	return payment.ID, nil
}

// CancelSubscription acknowledges a cancellation for the given user. The
// simulation has no recurring charge to stop, so this only logs.
func (m *Manager) CancelSubscription(ctx context.Context, userID string) (bool, error) {
	m.Logger.Info("Subscription cancelled at gateway",
		zap.String("UserID", userID),
	)
	return true, nil
}

// CreatePlan stores the gateway-side plan replica and replies with its id.
func (m *Manager) CreatePlan(ctx context.Context, req spec.PlanCreateRequest) (string, error) {
	plan := &Plan{
		ID:       syntheticID("plan"),
		Name:     req.Name,
		Price:    req.Price,
		Currency: req.Currency,
		Interval: req.Interval,
		IsActive: true,
	}
	if result := m.DB.WithContext(ctx).Create(plan); result.Error != nil {
		return "", extErrors.Wrap(result.Error, "Cannot create gateway plan")
	}
	m.Logger.Info("Gateway plan created",
		zap.String("GatewayPlanID", plan.ID),
		zap.String("Name", plan.Name),
	)
	return plan.ID, nil
}

// UpdatePlan applies replicated changes to the gateway-side plan.
func (m *Manager) UpdatePlan(ctx context.Context, req spec.PlanUpdateRequest) (bool, error) {
	result := m.DB.WithContext(ctx).Model(&Plan{}).
		Where("id = ?", req.GatewayPlanID).
		Updates(map[string]interface{}{
			"name":             req.Name,
			"price":            req.Price,
			"currency":         req.Currency,
			"billing_interval": req.Interval,
			"is_active":        req.IsActive,
		})
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot update gateway plan")
	}
	if result.RowsAffected == 0 {
		return false, ErrPlanNotFound
	}
	return true, nil
}

// DeletePlan removes the gateway-side plan replica. Deleting an already
// absent plan succeeds, so delete intents stay replayable.
func (m *Manager) DeletePlan(ctx context.Context, req spec.PlanDeleteRequest) (bool, error) {
	result := m.DB.WithContext(ctx).Delete(&Plan{}, "id = ?", req.GatewayPlanID)
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot delete gateway plan")
	}
	return true, nil
}
