package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/subwave-io/subwave/broker"
	"github.com/subwave-io/subwave/cache"
	"github.com/subwave-io/subwave/spec"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	return newTestDBNamed(t, t.Name())
}

func newTestDBNamed(t *testing.T, name string) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)
	return db
}

type testEnv struct {
	db         *gorm.DB
	gateway    *broker.MemoryBroker
	plans      *PlanManager
	manager    *Manager
	reconciler *Reconciler
	cancelled  chan string
}

func newTestEnv(t *testing.T) *testEnv {
	logger := zaptest.NewLogger(t)
	db := newTestDB(t)

	gateway, err := broker.NewMemoryBroker(logger)
	require.NoError(t, err)

	plans, err := NewPlanManager(PlanManagerOptions{
		DB:     db,
		Logger: logger,
		Cache:  cache.NewMemory(),
	})
	require.NoError(t, err)

	manager, err := NewManager(ManagerOptions{
		DB:             db,
		Logger:         logger,
		Gateway:        gateway,
		Plans:          plans,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	reconciler, err := NewReconciler(ReconcilerOptions{
		DB:     db,
		Logger: logger,
	})
	require.NoError(t, err)

	return &testEnv{
		db:         db,
		gateway:    gateway,
		plans:      plans,
		manager:    manager,
		reconciler: reconciler,
		cancelled:  make(chan string, 4),
	}
}

// stubPaymentService registers payment-side handlers the way the real payment
// task would, with canned replies. Emitted payment intent requests land on
// the returned channel.
func (e *testEnv) stubPaymentService(t *testing.T, referenceExists bool) chan spec.CreatePaymentIntentRequest {
	intents := make(chan spec.CreatePaymentIntentRequest, 4)

	require.NoError(t, e.gateway.Subscribe(spec.TopicValidatePaymentReference, func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		return referenceExists, nil
	}))
	require.NoError(t, e.gateway.Subscribe(spec.TopicCreatePaymentIntent, func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		var req spec.CreatePaymentIntentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		intents <- req
		return nil, nil
	}))
	require.NoError(t, e.gateway.Subscribe(spec.TopicUpdateSubscription, func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		return "pi_migrated", nil
	}))
	require.NoError(t, e.gateway.Subscribe(spec.TopicCancelSubscription, func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		var userID string
		if err := json.Unmarshal(body, &userID); err != nil {
			return nil, err
		}
		e.cancelled <- userID
		return true, nil
	}))
	return intents
}

func (e *testEnv) newPlan(t *testing.T, name string, price int64, interval Interval) *Plan {
	plan, err := e.plans.CreatePlan(context.Background(), CreatePlanInput{
		Name:     name,
		Price:    price,
		Interval: interval,
	})
	require.NoError(t, err)
	return plan
}

func (e *testEnv) markReplicated(t *testing.T, planID, gatewayPlanID string) {
	require.NoError(t, e.db.Model(&Plan{}).
		Where("id = ?", planID).
		Update("gateway_plan_id", gatewayPlanID).Error)
}
