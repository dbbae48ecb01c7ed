package subscription

// Status is the custom type to define the current state of a subscription
type Status string

// Defining the possible Status values for a Subscription. CANCELLED is
// terminal: no transition leaves it.
const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusTrialing  Status = "TRIALING"
	StatusPastDue   Status = "PAST_DUE"
	StatusCancelled Status = "CANCELLED"
)

// BillingStatus is the custom type for the state of a billing history record
type BillingStatus string

// Defining constants. A subscription has at most one PENDING record at a
// time: it anchors reconciliation for the one outstanding payment attempt.
const (
	BillingPending  BillingStatus = "PENDING"
	BillingPaid     BillingStatus = "PAID"
	BillingFailed   BillingStatus = "FAILED"
	BillingRefunded BillingStatus = "REFUNDED"
)

// Interval is the custom type for a plan's billing frequency
type Interval string

// Defining constants
const (
	IntervalWeekly  Interval = "WEEKLY"
	IntervalMonthly Interval = "MONTHLY"
	IntervalYearly  Interval = "YEARLY"
)

// Valid reports whether the interval is one the period arithmetic understands.
func (i Interval) Valid() bool {
	switch i {
	case IntervalWeekly, IntervalMonthly, IntervalYearly:
		return true
	}
	return false
}

// DefaultCurrency is used when a caller does not specify one
const DefaultCurrency = "USD"

// openStatuses are the states that block a second subscription for the same
// user and block deleting a referenced plan.
var openStatuses = []Status{StatusPending, StatusActive, StatusPastDue}
