package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/subwave-io/subwave/broker"
	"github.com/subwave-io/subwave/spec"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)
	return db
}

func newTestManager(t *testing.T) (*Manager, *broker.MemoryBroker) {
	logger := zaptest.NewLogger(t)
	gateway, err := broker.NewMemoryBroker(logger)
	require.NoError(t, err)

	manager, err := NewManager(ManagerOptions{
		DB:              newTestDB(t),
		Logger:          logger,
		Gateway:         gateway,
		ProcessingDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return manager, gateway
}

func intentRequest(reference string) spec.CreatePaymentIntentRequest {
	return spec.CreatePaymentIntentRequest{
		SubscriptionID:   "sub-1",
		UserID:           "u1",
		Amount:           2999,
		Currency:         "USD",
		PaymentReference: reference,
		Description:      "Subscription to Pro plan",
	}
}

func TestReferenceExists(t *testing.T) {
	manager, _ := newTestManager(t)

	exists, err := manager.ReferenceExists(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = manager.CreatePaymentIntent(context.Background(), intentRequest("ref-1"))
	require.NoError(t, err)

	exists, err = manager.ReferenceExists(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.True(t, exists, "the reference is consumed at intent creation")
}

func TestCreatePaymentIntentSettlesAndEmitsWebhook(t *testing.T) {
	manager, gateway := newTestManager(t)

	events := make(chan spec.WebhookEvent, 1)
	require.NoError(t, gateway.Subscribe(spec.TopicSubscriptionWebhook, func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		var event spec.WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, err
		}
		events <- event
		return nil, nil
	}))

	payment, err := manager.CreatePaymentIntent(context.Background(), intentRequest("ref-1"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(payment.ID, "pi_"))
	assert.Equal(t, StatusPending, payment.Status)

	select {
	case event := <-events:
		assert.Equal(t, "ref-1", event.PaymentReference)
		assert.Equal(t, spec.EventPaymentSucceeded, event.EventType)
		assert.True(t, strings.HasPrefix(event.Payload.ID, "evt_"))
		assert.Equal(t, "payment_intent.succeeded", event.Payload.Type)
		assert.Equal(t, payment.ID, event.Payload.Data.Object.ID)
		assert.Equal(t, "usd", event.Payload.Data.Object.Currency)
		assert.Equal(t, "ref-1", event.Payload.Data.Object.Metadata["refId"])
	case <-time.After(2 * time.Second):
		t.Fatal("settlement webhook never arrived")
	}

	require.Eventually(t, func() bool {
		var settled Payment
		if err := manager.DB.Where("id = ?", payment.ID).First(&settled).Error; err != nil {
			return false
		}
		return settled.Status == StatusSucceeded
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPlanReplication(t *testing.T) {
	manager, _ := newTestManager(t)

	planID, err := manager.CreatePlan(context.Background(), spec.PlanCreateRequest{
		Name:     "Pro",
		Price:    2999,
		Currency: "USD",
		Interval: "MONTHLY",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(planID, "plan_"))

	ok, err := manager.UpdatePlan(context.Background(), spec.PlanUpdateRequest{
		GatewayPlanID: planID,
		Name:          "Pro",
		Price:         3999,
		Currency:      "USD",
		Interval:      "MONTHLY",
		IsActive:      true,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	var plan Plan
	require.NoError(t, manager.DB.Where("id = ?", planID).First(&plan).Error)
	assert.Equal(t, int64(3999), plan.Price)

	_, err = manager.UpdatePlan(context.Background(), spec.PlanUpdateRequest{
		GatewayPlanID: "plan_missing",
	})
	assert.ErrorIs(t, err, ErrPlanNotFound)

	ok, err = manager.DeletePlan(context.Background(), spec.PlanDeleteRequest{GatewayPlanID: planID})
	require.NoError(t, err)
	assert.True(t, ok)

	// deletes are replayable
	ok, err = manager.DeletePlan(context.Background(), spec.PlanDeleteRequest{GatewayPlanID: planID})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrateSubscription(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.MigrateSubscription(context.Background(), spec.UpdateSubscriptionRequest{
		SubscriptionID: "sub-1",
		GatewayPlanID:  "plan_missing",
		UserID:         "u1",
	})
	assert.ErrorIs(t, err, ErrPlanNotFound)

	planID, err := manager.CreatePlan(context.Background(), spec.PlanCreateRequest{
		Name:     "Pro",
		Price:    2999,
		Currency: "USD",
		Interval: "MONTHLY",
	})
	require.NoError(t, err)

	paymentID, err := manager.MigrateSubscription(context.Background(), spec.UpdateSubscriptionRequest{
		SubscriptionID: "sub-1",
		GatewayPlanID:  planID,
		UserID:         "u1",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(paymentID, "pi_"))

	var payment Payment
	require.NoError(t, manager.DB.Where("id = ?", paymentID).First(&payment).Error)
	assert.Equal(t, int64(2999), payment.Amount)
	assert.Equal(t, paymentID, payment.GatewayPaymentID)
}

func TestTaskRoutesValidateReference(t *testing.T) {
	manager, gateway := newTestManager(t)
	logger := zaptest.NewLogger(t)

	task, err := NewTask(TaskOptions{
		Manager:  manager,
		Consumer: gateway,
		Logger:   logger,
	})
	require.NoError(t, err)
	require.NoError(t, task.HandleRequests())

	reply, err := gateway.Request(context.Background(), spec.TopicValidatePaymentReference, "ref-1", time.Second)
	require.NoError(t, err)
	var exists bool
	require.NoError(t, json.Unmarshal(reply, &exists))
	assert.False(t, exists)

	_, err = manager.CreatePaymentIntent(context.Background(), intentRequest("ref-1"))
	require.NoError(t, err)

	reply, err = gateway.Request(context.Background(), spec.TopicValidatePaymentReference, "ref-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(reply, &exists))
	assert.True(t, exists)
}
