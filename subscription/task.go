package subscription

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
	Reconciler *Reconciler
	Consumer   broker.Consumer
	Logger     *zap.Logger
}

// Task routes broker deliveries into the Reconciler.
type Task struct {
	TaskOptions
}

func NewTask(option TaskOptions) (*Task, error) {
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
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

// HandleWebhooks registers the webhook topic. Reconciliation failures are
// logged and the delivery is acked anyway: the reconciler is idempotent and
// an event the database rejects will not fare better on redelivery.
func (t *Task) HandleWebhooks() error {
	return t.Consumer.Subscribe(spec.TopicSubscriptionWebhook, func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		var event spec.WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil {
			t.Logger.Error("Webhook body is not valid JSON",
				zap.Error(err),
			)
			return nil, nil
		}
		if err := t.Reconciler.HandleWebhook(ctx, event); err != nil {
			t.Logger.Error("Webhook reconciliation failed",
				zap.String("PaymentReference", event.PaymentReference),
				zap.Error(err),
			)
		}
		return nil, nil
	})
}
