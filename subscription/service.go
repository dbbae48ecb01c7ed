package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/subwave-io/subwave/broker"
	"github.com/subwave-io/subwave/response"
	"github.com/subwave-io/subwave/spec"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	Manager    *Manager
	Plans      *PlanManager
	Reconciler *Reconciler
	Logger     *zap.Logger
}

// Service is the HTTP layer over the subscription state machine and the plan
// registry.
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type createSubscriptionRequest struct {
	PlanID           string `json:"planId" validate:"required"`
	PaymentReference string `json:"paymentReference" validate:"required"`
}

type updateSubscriptionRequest struct {
	PlanID string `json:"planId" validate:"required"`
}

type createPlanRequest struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Price       int64    `json:"price" validate:"gte=0"`
	Currency    string   `json:"currency"`
	Interval    string   `json:"billingInterval" validate:"required,oneof=WEEKLY MONTHLY YEARLY"`
	TrialDays   int      `json:"trialDays" validate:"gte=0"`
	Features    []string `json:"features"`
}

type updatePlanRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Price       *int64   `json:"price" validate:"omitempty,gte=0"`
	Interval    *string  `json:"billingInterval" validate:"omitempty,oneof=WEEKLY MONTHLY YEARLY"`
	TrialDays   *int     `json:"trialDays" validate:"omitempty,gte=0"`
	Features    []string `json:"features"`
	IsActive    *bool    `json:"isActive"`
}

// userID extracts the caller's identity from the request header.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

func (s *Service) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrDuplicateSubscription):
		response.WriteError(w, r, response.ErrConflict().AddMessages("User already has an open subscription"))
	case errors.Is(err, ErrSamePlan):
		response.WriteError(w, r, response.ErrConflict().AddMessages("Subscription is already on this plan"))
	case errors.Is(err, ErrDuplicateName):
		response.WriteError(w, r, response.ErrConflict().AddMessages("A plan with this name already exists"))
	case errors.Is(err, ErrHasActiveSubscriptions):
		response.WriteError(w, r, response.ErrConflict().AddMessages("Plan still has open subscriptions"))
	case errors.Is(err, ErrInvalidPlan):
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Plan does not exist or is inactive"))
	case errors.Is(err, ErrInvalidPaymentReference):
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Payment reference was already used"))
	case errors.Is(err, ErrPlanNotReplicated):
		response.WriteError(w, r, response.ErrConflict().AddMessages("Plan is not ready at the payment gateway yet, please retry"))
	case errors.Is(err, ErrNoActiveSubscription), errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrPlanNotFound):
		response.WriteError(w, r, response.ErrNotFound())
	case errors.Is(err, broker.ErrRequestTimeout):
		response.WriteError(w, r, response.ErrGatewayTimeout())
	default:
		s.Logger.Error("Request failed with unexpected error",
			zap.String("Path", r.URL.Path),
			zap.Error(err),
		)
		response.WriteError(w, r, response.ErrUnexpected())
	}
}

func (s *Service) createSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Missing X-User-Id header"))
		return
	}
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	sub, err := s.Manager.CreateSubscription(r.Context(), uid, req.PlanID, req.PaymentReference)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteCreated(w, r, sub)
}

func (s *Service) getActiveSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Missing X-User-Id header"))
		return
	}
	sub, err := s.Manager.GetActiveSubscription(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if sub == nil {
		response.WriteError(w, r, response.ErrNotFound())
		return
	}
	response.WriteResponse(w, r, sub)
}

func (s *Service) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Missing X-User-Id header"))
		return
	}
	subs, err := s.Manager.ListSubscriptions(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteResponse(w, r, subs)
}

func (s *Service) updateSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Missing X-User-Id header"))
		return
	}
	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	sub, err := s.Manager.UpdateSubscription(r.Context(), uid, req.PlanID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteResponse(w, r, sub)
}

func (s *Service) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Missing X-User-Id header"))
		return
	}
	sub, err := s.Manager.CancelSubscription(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteResponse(w, r, sub)
}

func (s *Service) listBillingHistory(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Missing X-User-Id header"))
		return
	}
	records, err := s.Manager.ListBillingHistory(r.Context(), uid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteResponse(w, r, records)
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages("Missing X-User-Id header"))
		return
	}
	sub, err := s.Manager.GetSubscription(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteResponse(w, r, sub)
}

func (s *Service) createPlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	plan, err := s.Plans.CreatePlan(r.Context(), CreatePlanInput{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Currency:    req.Currency,
		Interval:    Interval(req.Interval),
		TrialDays:   req.TrialDays,
		Features:    req.Features,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteCreated(w, r, plan)
}

func (s *Service) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Plans.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if plan == nil {
		response.WriteError(w, r, response.ErrNotFound())
		return
	}
	response.WriteResponse(w, r, plan)
}

func (s *Service) updatePlan(w http.ResponseWriter, r *http.Request) {
	var req updatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	input := UpdatePlanInput{
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		TrialDays:   req.TrialDays,
		Features:    req.Features,
		IsActive:    req.IsActive,
	}
	if req.Interval != nil {
		interval := Interval(*req.Interval)
		input.Interval = &interval
	}
	plan, err := s.Plans.UpdatePlan(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteResponse(w, r, plan)
}

func (s *Service) deletePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.Plans.DeletePlan(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteResponse(w, r, true)
}

// receiveWebhook accepts a gateway-shaped webhook over HTTP. The broker path
// through Task is the primary delivery channel; this endpoint serves manual
// replays and local testing.
func (s *Service) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	var event spec.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := s.Reconciler.HandleWebhook(r.Context(), event); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	response.WriteResponse(w, r, spec.WebhookDelivered)
}

// Router returns the subscription routes
func (s *Service) Router() http.Handler {
	router := chi.NewRouter()

	router.Post("/", s.createSubscription)
	router.Get("/", s.listSubscriptions)
	router.Get("/active", s.getActiveSubscription)
	router.Put("/", s.updateSubscription)
	router.Post("/cancel", s.cancelSubscription)
	router.Get("/billing-history", s.listBillingHistory)
	router.Post("/webhook", s.receiveWebhook)
	router.Get("/{id}", s.getSubscription)

	return router
}

// PlanRouter returns the plan registry routes
func (s *Service) PlanRouter() http.Handler {
	router := chi.NewRouter()

	router.Post("/", s.createPlan)
	router.Get("/{id}", s.getPlan)
	router.Put("/{id}", s.updatePlan)
	router.Delete("/{id}", s.deletePlan)

	return router
}
