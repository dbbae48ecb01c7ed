package subscription

import "time"

// Subscription is owned exclusively by this service and mutated only by the
// state machine (Manager) and the webhook Reconciler. A partial unique index
// on user_id over the open statuses (created by NewManager, gorm's index tag
// cannot express the WHERE clause) closes the check-then-act window when the
// same user issues concurrent create requests: the loser surfaces
// gorm.ErrDuplicatedKey.
type Subscription struct {
	ID                 string     `json:"id" gorm:"primaryKey"`
	UserID             string     `json:"userId" gorm:"index"`
	PlanID             string     `json:"planId" gorm:"index"`
	Status             Status     `json:"status"`
	CurrentPeriodStart time.Time  `json:"currentPeriodStart"` // the subscription is paid through [start, end)
	CurrentPeriodEnd   time.Time  `json:"currentPeriodEnd"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// BillingHistory records every charge attempt against a subscription.
// GatewayPaymentID holds the caller-supplied payment reference and is the key
// the webhook Reconciler matches asynchronous outcomes against.
type BillingHistory struct {
	ID               string        `json:"id" gorm:"primaryKey"`
	SubscriptionID   string        `json:"subscriptionId" gorm:"index"`
	Amount           int64         `json:"amount"` // minor currency units; negative for refunds
	Currency         string        `json:"currency"`
	Status           BillingStatus `json:"status"`
	GatewayPaymentID string        `json:"gatewayPaymentId" gorm:"index"`
	BillingDate      time.Time     `json:"billingDate"`
	Description      string        `json:"description"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// WebhookEvent is the append-only audit log of reconciliation attempts.
// Processed is true only when the event changed subscription/billing state.
type WebhookEvent struct {
	ID             string    `json:"id" gorm:"primaryKey"`
	SubscriptionID string    `json:"subscriptionId" gorm:"index"`
	EventType      string    `json:"eventType"`
	Payload        string    `json:"payload"`
	Processed      bool      `json:"processed"`
	CreatedAt      time.Time `json:"createdAt"`
}
