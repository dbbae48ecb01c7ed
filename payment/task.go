package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/subwave-io/subwave/broker"
	"github.com/subwave-io/subwave/spec"

	"go.uber.org/zap"
)

// TaskOptions provides initialization parameters for Task
type TaskOptions struct {
	Manager  *Manager
	Consumer broker.Consumer
	Logger   *zap.Logger
}

// Task wires every payment-side topic to its Manager operation.
type Task struct {
	TaskOptions
}

func NewTask(option TaskOptions) (*Task, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// HandleRequests registers the full payment-side routing table.
func (t *Task) HandleRequests() error {
	routes := map[string]broker.HandlerFunc{
		spec.TopicValidatePaymentReference: t.validateReference,
		spec.TopicCreatePaymentIntent:      t.createPaymentIntent,
		spec.TopicUpdateSubscription:       t.migrateSubscription,
		spec.TopicCancelSubscription:       t.cancelSubscription,
		spec.TopicCreatePlan:               t.createPlan,
		spec.TopicUpdatePlan:               t.updatePlan,
		spec.TopicDeletePlan:               t.deletePlan,
	}
	for topic, handler := range routes {
		if err := t.Consumer.Subscribe(topic, handler); err != nil {
			return err
		}
	}
	return nil
}

func (t *Task) validateReference(ctx context.Context, body json.RawMessage) (interface{}, error) {
	var reference string
	if err := json.Unmarshal(body, &reference); err != nil {
		return nil, err
	}
	return t.Manager.ReferenceExists(ctx, reference)
}

func (t *Task) createPaymentIntent(ctx context.Context, body json.RawMessage) (interface{}, error) {
	var req spec.CreatePaymentIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		t.Logger.Error("Payment intent request is not valid JSON",
			zap.Error(err),
		)
		return nil, nil
	}
	if _, err := t.Manager.CreatePaymentIntent(ctx, req); err != nil {
		t.Logger.Error("Unable to open payment intent",
			zap.String("SubscriptionID", req.SubscriptionID),
			zap.Error(err),
		)
	}
	return nil, nil
}

func (t *Task) migrateSubscription(ctx context.Context, body json.RawMessage) (interface{}, error) {
	var req spec.UpdateSubscriptionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return t.Manager.MigrateSubscription(ctx, req)
}

func (t *Task) cancelSubscription(ctx context.Context, body json.RawMessage) (interface{}, error) {
	var userID string
	if err := json.Unmarshal(body, &userID); err != nil {
		return nil, err
	}
	return t.Manager.CancelSubscription(ctx, userID)
}

func (t *Task) createPlan(ctx context.Context, body json.RawMessage) (interface{}, error) {
	var req spec.PlanCreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return t.Manager.CreatePlan(ctx, req)
}

func (t *Task) updatePlan(ctx context.Context, body json.RawMessage) (interface{}, error) {
	var req spec.PlanUpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return t.Manager.UpdatePlan(ctx, req)
}

func (t *Task) deletePlan(ctx context.Context, body json.RawMessage) (interface{}, error) {
	var req spec.PlanDeleteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return t.Manager.DeletePlan(ctx, req)
}
