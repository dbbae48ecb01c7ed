package subscription

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/subwave-io/subwave/spec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func (e *testEnv) newWorker(t *testing.T, maxAttempts int) *Worker {
	w, err := NewWorker(WorkerOptions{
		DB:             e.db,
		Gateway:        e.gateway,
		Logger:         zaptest.NewLogger(t),
		RequestTimeout: time.Second,
		MaxAttempts:    maxAttempts,
	})
	require.NoError(t, err)
	return w
}

func TestCreatePlanWritesIntent(t *testing.T) {
	env := newTestEnv(t)
	plan := env.newPlan(t, "Pro", 2999, IntervalMonthly)

	assert.True(t, plan.IsActive)
	assert.Empty(t, plan.GatewayPlanID)
	assert.Equal(t, "USD", plan.Currency)

	var intent PlanIntent
	require.NoError(t, env.db.Where("plan_id = ?", plan.ID).First(&intent).Error)
	assert.Equal(t, IntentActionCreate, intent.Action)
	assert.Equal(t, IntentPending, intent.Status)

	var req spec.PlanCreateRequest
	require.NoError(t, json.Unmarshal([]byte(intent.Payload), &req))
	assert.Equal(t, "Pro", req.Name)
	assert.Equal(t, int64(2999), req.Price)
}

func TestCreatePlanDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	env.newPlan(t, "Pro", 2999, IntervalMonthly)

	_, err := env.plans.CreatePlan(context.Background(), CreatePlanInput{
		Name:     "Pro",
		Price:    999,
		Interval: IntervalMonthly,
	})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestWorkerReplicatesCreate(t *testing.T) {
	env := newTestEnv(t)
	plan := env.newPlan(t, "Pro", 2999, IntervalMonthly)

	require.NoError(t, env.gateway.Subscribe(spec.TopicCreatePlan, func(ctx context.Context, body json.RawMessage) (interface{}, error) {
		var req spec.PlanCreateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		assert.Equal(t, "Pro", req.Name)
		return "plan_gw1", nil
	}))

	worker := env.newWorker(t, 3)
	require.NoError(t, worker.ProcessPending(context.Background()))

	var replicated Plan
	require.NoError(t, env.db.Where("id = ?", plan.ID).First(&replicated).Error)
	assert.Equal(t, "plan_gw1", replicated.GatewayPlanID)

	var intent PlanIntent
	require.NoError(t, env.db.Where("plan_id = ?", plan.ID).First(&intent).Error)
	assert.Equal(t, IntentDone, intent.Status)
	assert.Equal(t, 1, intent.Attempts)
}

func TestWorkerExhaustionDeactivatesPlan(t *testing.T) {
	env := newTestEnv(t)
	plan := env.newPlan(t, "Pro", 2999, IntervalMonthly)

	// no handler subscribed: every attempt fails
	worker := env.newWorker(t, 2)

	require.NoError(t, worker.ProcessPending(context.Background()))
	var intent PlanIntent
	require.NoError(t, env.db.Where("plan_id = ?", plan.ID).First(&intent).Error)
	assert.Equal(t, IntentPending, intent.Status)
	assert.Equal(t, 1, intent.Attempts)
	assert.NotEmpty(t, intent.LastError)
	assert.True(t, intent.NextAttemptAt.After(time.Now()), "retry is delayed")

	// force the backoff to elapse
	require.NoError(t, env.db.Model(&PlanIntent{}).
		Where("id = ?", intent.ID).
		Update("next_attempt_at", time.Now().Add(-time.Second)).Error)

	require.NoError(t, worker.ProcessPending(context.Background()))
	require.NoError(t, env.db.Where("plan_id = ?", plan.ID).First(&intent).Error)
	assert.Equal(t, IntentFailed, intent.Status)
	assert.Equal(t, 2, intent.Attempts)

	var deactivated Plan
	require.NoError(t, env.db.Where("id = ?", plan.ID).First(&deactivated).Error)
	assert.False(t, deactivated.IsActive, "an unreplicated plan must not accept subscribers")
}

func TestDeletePlanGuardedByOpenSubscriptions(t *testing.T) {
	env := newTestEnv(t)
	env.stubPaymentService(t, false)
	plan := env.newPlan(t, "Pro", 2999, IntervalMonthly)

	_, err := env.manager.CreateSubscription(context.Background(), "u1", plan.ID, "ref-1")
	require.NoError(t, err)

	err = env.plans.DeletePlan(context.Background(), plan.ID)
	assert.ErrorIs(t, err, ErrHasActiveSubscriptions)

	_, err = env.manager.CancelSubscription(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, env.plans.DeletePlan(context.Background(), plan.ID))

	var intent PlanIntent
	require.NoError(t, env.db.Where("plan_id = ?", plan.ID).
		Where("action = ?", IntentActionDelete).
		First(&intent).Error)
	assert.Equal(t, IntentPending, intent.Status)

	got, err := env.plans.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdatePlanNotFound(t *testing.T) {
	env := newTestEnv(t)
	name := "Renamed"
	_, err := env.plans.UpdatePlan(context.Background(), "nonexistent", UpdatePlanInput{Name: &name})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestGetPlanReadsThroughCache(t *testing.T) {
	env := newTestEnv(t)
	plan := env.newPlan(t, "Pro", 2999, IntervalMonthly)

	first, err := env.plans.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	// bypass the manager so the cache is not invalidated
	require.NoError(t, env.db.Model(&Plan{}).
		Where("id = ?", plan.ID).
		Update("price", 5999).Error)

	cached, err := env.plans.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2999), cached.Price, "cache still serves the old row")

	newPrice := int64(5999)
	_, err = env.plans.UpdatePlan(context.Background(), plan.ID, UpdatePlanInput{Price: &newPrice})
	require.NoError(t, err)

	fresh, err := env.plans.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5999), fresh.Price, "mutation invalidated the cache")
}
