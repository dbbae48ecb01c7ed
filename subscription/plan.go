package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/subwave-io/subwave/cache"
	"github.com/subwave-io/subwave/spec"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Plan is the local plan record. GatewayPlanID stays empty until the outbox
// worker has replicated the plan to the payment service; subscription plan
// migration requires it.
type Plan struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	Name          string    `json:"name" gorm:"uniqueIndex"`
	Description   string    `json:"description"`
	Price         int64     `json:"price"` // minor currency units
	Currency      string    `json:"currency"`
	Interval      Interval  `json:"billingInterval" gorm:"column:billing_interval"`
	TrialDays     int       `json:"trialDays"`
	Features      []string  `json:"features" gorm:"serializer:json"`
	IsActive      bool      `json:"isActive"`
	GatewayPlanID string    `json:"gatewayPlanId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Intent actions and statuses for the plan replication outbox.
const (
	IntentActionCreate = "create"
	IntentActionUpdate = "update"
	IntentActionDelete = "delete"

	IntentPending = "pending"
	IntentDone    = "done"
	IntentFailed  = "failed"
)

// PlanIntent is the outbox row committed alongside every local plan mutation.
// The worker replays pending intents against the payment service, so a crash
// between the local commit and the remote call no longer strands an
// unreplicated (or orphaned remote) plan.
type PlanIntent struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	PlanID        string    `json:"planId" gorm:"index"`
	Action        string    `json:"action"`
	Payload       string    `json:"payload"`
	Status        string    `json:"status" gorm:"index"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Plan registry errors
var (
	ErrDuplicateName          = errors.New("subscription: a plan with this name already exists")
	ErrPlanNotFound           = errors.New("subscription: plan not found")
	ErrHasActiveSubscriptions = errors.New("subscription: plan still has open subscriptions")
)

const planCacheTTL = 5 * time.Minute

func planCacheKey(planID string) string {
	return "plan:" + planID
}

// PlanManagerOptions provides initialization parameters for PlanManager
type PlanManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
	Cache  cache.Cache
}

// PlanManager keeps the local plan registry and the gateway-side replica in
// agreement through the PlanIntent outbox.
type PlanManager struct {
	PlanManagerOptions
}

func NewPlanManager(option PlanManagerOptions) (*PlanManager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Cache == nil {
		return nil, fmt.Errorf("nil Cache is invalid")
	}
	if err := option.DB.AutoMigrate(&Plan{}, &PlanIntent{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.PlanManager")
	}
	return &PlanManager{
		PlanManagerOptions: option,
	}, nil
}

// CreatePlanInput carries the validated fields for a new plan.
type CreatePlanInput struct {
	Name        string
	Description string
	Price       int64
	Currency    string
	Interval    Interval
	TrialDays   int
	Features    []string
}

// CreatePlan inserts the local plan row and its replication intent in one
// transaction. The gateway plan id arrives later via the outbox worker.
func (m *PlanManager) CreatePlan(ctx context.Context, input CreatePlanInput) (*Plan, error) {
	if !input.Interval.Valid() {
		return nil, extErrors.Errorf("invalid billing interval %q", input.Interval)
	}
	currency := input.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	plan := &Plan{
		ID:          shortuuid.New(),
		Name:        input.Name,
		Description: input.Description,
		Price:       input.Price,
		Currency:    currency,
		Interval:    input.Interval,
		TrialDays:   input.TrialDays,
		Features:    input.Features,
		IsActive:    true,
	}

	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Create(plan); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return ErrDuplicateName
			}
			return result.Error
		}
		return m.appendIntent(tx, plan.ID, IntentActionCreate, spec.PlanCreateRequest{
			Name:        plan.Name,
			Description: plan.Description,
			Price:       plan.Price,
			Currency:    plan.Currency,
			Interval:    string(plan.Interval),
			TrialDays:   plan.TrialDays,
			Features:    plan.Features,
		})
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, err
		}
		m.Logger.Error("Unable to create plan",
			zap.String("PlanName", input.Name),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot create plan")
	}
	return plan, nil
}

// UpdatePlanInput carries optional plan mutations; nil fields are untouched.
type UpdatePlanInput struct {
	Name        *string
	Description *string
	Price       *int64
	Interval    *Interval
	TrialDays   *int
	Features    []string
	IsActive    *bool
}

// UpdatePlan applies the mutation locally and records an update intent in the
// same transaction.
func (m *PlanManager) UpdatePlan(ctx context.Context, planID string, input UpdatePlanInput) (*Plan, error) {
	var updated Plan
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var plan Plan
		result := tx.Where("id = ?", planID).First(&plan)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrPlanNotFound
		}
		if result.Error != nil {
			return result.Error
		}

		if input.Name != nil {
			plan.Name = *input.Name
		}
		if input.Description != nil {
			plan.Description = *input.Description
		}
		if input.Price != nil {
			plan.Price = *input.Price
		}
		if input.Interval != nil {
			if !input.Interval.Valid() {
				return extErrors.Errorf("invalid billing interval %q", *input.Interval)
			}
			plan.Interval = *input.Interval
		}
		if input.TrialDays != nil {
			plan.TrialDays = *input.TrialDays
		}
		if input.Features != nil {
			plan.Features = input.Features
		}
		if input.IsActive != nil {
			plan.IsActive = *input.IsActive
		}

		if result := tx.Save(&plan); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return ErrDuplicateName
			}
			return result.Error
		}
		updated = plan
		return m.appendIntent(tx, plan.ID, IntentActionUpdate, spec.PlanUpdateRequest{
			PlanID:        plan.ID,
			GatewayPlanID: plan.GatewayPlanID,
			Name:          plan.Name,
			Price:         plan.Price,
			Currency:      plan.Currency,
			Interval:      string(plan.Interval),
			Features:      plan.Features,
			IsActive:      plan.IsActive,
		})
	})
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) || errors.Is(err, ErrDuplicateName) {
			return nil, err
		}
		m.Logger.Error("Unable to update plan",
			zap.String("PlanID", planID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot update plan")
	}
	m.invalidate(ctx, planID)
	return &updated, nil
}

// DeletePlan removes the local plan and records a delete intent, refusing
// while any subscription referencing the plan is still open.
func (m *PlanManager) DeletePlan(ctx context.Context, planID string) error {
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var plan Plan
		result := tx.Where("id = ?", planID).First(&plan)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrPlanNotFound
		}
		if result.Error != nil {
			return result.Error
		}

		var open int64
		if result := tx.Model(&Subscription{}).
			Where("plan_id = ?", planID).
			Where("status IN ?", openStatuses).
			Count(&open); result.Error != nil {
			return result.Error
		}
		if open > 0 {
			return ErrHasActiveSubscriptions
		}

		if result := tx.Delete(&Plan{}, "id = ?", planID); result.Error != nil {
			return result.Error
		}
		return m.appendIntent(tx, planID, IntentActionDelete, spec.PlanDeleteRequest{
			PlanID:        planID,
			GatewayPlanID: plan.GatewayPlanID,
		})
	})
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) || errors.Is(err, ErrHasActiveSubscriptions) {
			return err
		}
		m.Logger.Error("Unable to delete plan",
			zap.String("PlanID", planID),
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot delete plan")
	}
	m.invalidate(ctx, planID)
	return nil
}

// GetPlan returns the plan by id, reading through the cache. Returns nil
// without error when no plan exists.
func (m *PlanManager) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	if cached, err := m.Cache.Get(ctx, planCacheKey(planID)); err == nil {
		var plan Plan
		if err := json.Unmarshal(cached, &plan); err == nil {
			return &plan, nil
		}
		// a corrupt entry falls through to the database
		m.invalidate(ctx, planID)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		m.Logger.Warn("Plan cache read failed",
			zap.String("PlanID", planID),
			zap.Error(err),
		)
	}

	var plan Plan
	result := m.DB.WithContext(ctx).Where("id = ?", planID).First(&plan)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by id")
	}

	if encoded, err := json.Marshal(&plan); err == nil {
		if err := m.Cache.Set(ctx, planCacheKey(planID), encoded, planCacheTTL); err != nil {
			m.Logger.Warn("Plan cache write failed",
				zap.String("PlanID", planID),
				zap.Error(err),
			)
		}
	}
	return &plan, nil
}

func (m *PlanManager) appendIntent(tx *gorm.DB, planID, action string, payload interface{}) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode plan intent payload")
	}
	intent := &PlanIntent{
		ID:            shortuuid.New(),
		PlanID:        planID,
		Action:        action,
		Payload:       string(encoded),
		Status:        IntentPending,
		NextAttemptAt: time.Now(),
	}
	return tx.Create(intent).Error
}

func (m *PlanManager) invalidate(ctx context.Context, planID string) {
	if err := m.Cache.Delete(ctx, planCacheKey(planID)); err != nil {
		m.Logger.Warn("Plan cache invalidation failed",
			zap.String("PlanID", planID),
			zap.Error(err),
		)
	}
}
