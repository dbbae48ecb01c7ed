package spec

// CreatePaymentIntentRequest asks the payment service to open a payment
// attempt for a freshly committed subscription. Fire-and-forget: the outcome
// comes back later as a WebhookEvent.
type CreatePaymentIntentRequest struct {
	SubscriptionID   string `json:"subscriptionId"`
	UserID           string `json:"userId"`
	Amount           int64  `json:"amount"` // minor currency units
	Currency         string `json:"currency"`
	PaymentReference string `json:"paymentReference"`
	Description      string `json:"description"`
}

// UpdateSubscriptionRequest asks the payment service to migrate a
// subscription to a different gateway plan. Replies with the gateway payment
// id for the new billing period.
type UpdateSubscriptionRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	GatewayPlanID  string `json:"gatewayPlanId"`
	UserID         string `json:"userId"`
}

// PlanCreateRequest replicates a local plan to the payment gateway. Replies
// with the gateway plan id.
type PlanCreateRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       int64    `json:"price"`
	Currency    string   `json:"currency"`
	Interval    string   `json:"billingInterval"`
	TrialDays   int      `json:"trialDays"`
	Features    []string `json:"features"`
}

// PlanUpdateRequest pushes local plan changes to the gateway-side record.
type PlanUpdateRequest struct {
	PlanID        string   `json:"planId"`
	GatewayPlanID string   `json:"gatewayPlanId"`
	Name          string   `json:"name"`
	Price         int64    `json:"price"`
	Currency      string   `json:"currency"`
	Interval      string   `json:"billingInterval"`
	Features      []string `json:"features"`
	IsActive      bool     `json:"isActive"`
}

// PlanDeleteRequest removes the gateway-side plan record.
type PlanDeleteRequest struct {
	PlanID        string `json:"planId"`
	GatewayPlanID string `json:"gatewayPlanId"`
}

// WebhookEvent is the gateway-shaped outcome event the payment service emits
// after simulated processing. PaymentReference is the reconciliation key: it
// matches the gateway payment id on the PENDING billing record the
// subscription service committed before requesting the intent.
type WebhookEvent struct {
	PaymentReference string         `json:"paymentReference"`
	EventType        string         `json:"eventType"`
	Status           string         `json:"status"`
	Payload          WebhookPayload `json:"payload"`
}

// WebhookPayload mimics the envelope a real payment gateway posts back.
type WebhookPayload struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Type    string      `json:"type"`
	Data    WebhookData `json:"data"`
	Created int64       `json:"created"` // unix seconds
}

type WebhookData struct {
	Object WebhookObject `json:"object"`
}

type WebhookObject struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}
