package payment

import "time"

// Status is the custom type for the state of a simulated payment
type Status string

// Defining constants
const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Payment is the gateway-side record of one payment attempt. ID doubles as
// the payment intent id (pi_ prefixed); GatewayPaymentID holds the
// caller-supplied reference and is what reference validation checks against.
type Payment struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	SubscriptionID   string    `json:"subscriptionId" gorm:"index"`
	UserID           string    `json:"userId" gorm:"index"`
	Amount           int64     `json:"amount"` // minor currency units
	Currency         string    `json:"currency"`
	Status           Status    `json:"status"`
	GatewayPaymentID string    `json:"gatewayPaymentId" gorm:"index"`
	Description      string    `json:"description"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Plan is the gateway-side replica of a subscription plan, created through
// the replication topics.
type Plan struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Currency  string    `json:"currency"`
	Interval  string    `json:"billingInterval" gorm:"column:billing_interval"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
