package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/subwave-io/subwave/broker"
	"github.com/subwave-io/subwave/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Worker defaults
const (
	DefaultWorkerInterval = 5 * time.Second
	DefaultWorkerTimeout  = 10 * time.Second
	DefaultMaxAttempts    = 5

	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 10 * time.Minute
)

// WorkerOptions provides initialization parameters for Worker
type WorkerOptions struct {
	DB             *gorm.DB
	Gateway        broker.Gateway
	Logger         *zap.Logger
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int
}

// Worker drains the PlanIntent outbox: it replays each pending intent against
// the payment service and records the outcome. Create replies carry the
// gateway plan id, which the worker writes back onto the plan.
type Worker struct {
	WorkerOptions
}

func NewWorker(option WorkerOptions) (*Worker, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Interval <= 0 {
		option.Interval = DefaultWorkerInterval
	}
	if option.RequestTimeout <= 0 {
		option.RequestTimeout = DefaultWorkerTimeout
	}
	if option.MaxAttempts <= 0 {
		option.MaxAttempts = DefaultMaxAttempts
	}
	return &Worker{
		WorkerOptions: option,
	}, nil
}

// Run polls the outbox until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.ProcessPending(ctx); err != nil {
				w.Logger.Error("Outbox pass failed",
					zap.Error(err),
				)
			}
		}
	}
}

// ProcessPending replays every due pending intent once, in commit order.
func (w *Worker) ProcessPending(ctx context.Context) error {
	var intents []PlanIntent
	result := w.DB.WithContext(ctx).
		Where("status = ?", IntentPending).
		Where("next_attempt_at <= ?", time.Now()).
		Order("created_at asc").
		Find(&intents)
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot list pending plan intents")
	}
	for _, intent := range intents {
		w.processIntent(ctx, intent)
	}
	return nil
}

func (w *Worker) processIntent(ctx context.Context, intent PlanIntent) {
	reply, err := w.dispatch(ctx, intent)
	if err != nil {
		w.recordFailure(ctx, intent, err)
		return
	}

	err = w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if intent.Action == IntentActionCreate {
			var gatewayPlanID string
			if err := json.Unmarshal(reply, &gatewayPlanID); err != nil {
				return extErrors.Wrap(err, "Cannot decode gateway plan id")
			}
			if result := tx.Model(&Plan{}).
				Where("id = ?", intent.PlanID).
				Update("gateway_plan_id", gatewayPlanID); result.Error != nil {
				return result.Error
			}
		}
		return tx.Model(&PlanIntent{}).
			Where("id = ?", intent.ID).
			Updates(map[string]interface{}{
				"status":     IntentDone,
				"attempts":   intent.Attempts + 1,
				"last_error": "",
			}).Error
	})
	if err != nil {
		w.recordFailure(ctx, intent, err)
		return
	}
	w.Logger.Info("Plan intent replicated",
		zap.String("IntentID", intent.ID),
		zap.String("PlanID", intent.PlanID),
		zap.String("Action", intent.Action),
	)
}

func (w *Worker) dispatch(ctx context.Context, intent PlanIntent) (json.RawMessage, error) {
	topic, ok := map[string]string{
		IntentActionCreate: spec.TopicCreatePlan,
		IntentActionUpdate: spec.TopicUpdatePlan,
		IntentActionDelete: spec.TopicDeletePlan,
	}[intent.Action]
	if !ok {
		return nil, extErrors.Errorf("unknown plan intent action %q", intent.Action)
	}
	return w.Gateway.Request(ctx, topic, json.RawMessage(intent.Payload), w.RequestTimeout)
}

// recordFailure bumps the attempt counter with backoff; after MaxAttempts the
// intent is marked failed and a create is compensated by deactivating the
// local plan so users cannot subscribe to an unreplicated one.
func (w *Worker) recordFailure(ctx context.Context, intent PlanIntent, cause error) {
	attempts := intent.Attempts + 1
	w.Logger.Warn("Plan intent attempt failed",
		zap.String("IntentID", intent.ID),
		zap.String("PlanID", intent.PlanID),
		zap.String("Action", intent.Action),
		zap.Int("Attempts", attempts),
		zap.Error(cause),
	)

	if attempts < w.MaxAttempts {
		if err := w.DB.WithContext(ctx).Model(&PlanIntent{}).
			Where("id = ?", intent.ID).
			Updates(map[string]interface{}{
				"attempts":        attempts,
				"last_error":      cause.Error(),
				"next_attempt_at": time.Now().Add(retryDelay(attempts)),
			}).Error; err != nil {
			w.Logger.Error("Unable to record intent failure",
				zap.String("IntentID", intent.ID),
				zap.Error(err),
			)
		}
		return
	}

	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Model(&PlanIntent{}).
			Where("id = ?", intent.ID).
			Updates(map[string]interface{}{
				"status":     IntentFailed,
				"attempts":   attempts,
				"last_error": cause.Error(),
			}); result.Error != nil {
			return result.Error
		}
		if intent.Action == IntentActionCreate {
			return tx.Model(&Plan{}).
				Where("id = ?", intent.PlanID).
				Update("is_active", false).Error
		}
		return nil
	})
	if err != nil {
		w.Logger.Error("Unable to finalize failed intent",
			zap.String("IntentID", intent.ID),
			zap.Error(err),
		)
		return
	}
	if intent.Action == IntentActionDelete {
		w.Logger.Error("Remote plan may be orphaned, manual cleanup required",
			zap.String("PlanID", intent.PlanID),
		)
	}
	var remoteErr *broker.RemoteError
	if errors.As(cause, &remoteErr) {
		w.Logger.Error("Payment service rejected plan intent",
			zap.String("IntentID", intent.ID),
			zap.String("Reason", remoteErr.Message),
		)
	}
}

func retryDelay(attempts int) time.Duration {
	delay := baseRetryDelay << uint(attempts-1)
	if delay > maxRetryDelay || delay <= 0 {
		return maxRetryDelay
	}
	return delay
}
