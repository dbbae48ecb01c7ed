package user

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/subwave-io/subwave/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

// ServiceOptions provides initialization parameters for Service
type ServiceOptions struct {
	Manager *Manager
	Logger  *zap.Logger
}

// Service is the HTTP layer for user accounts
type Service struct {
	ServiceOptions
}

func NewService(option ServiceOptions) (*Service, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type registerRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name"`
}

func (s *Service) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		response.WriteError(w, r, response.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	u, err := s.Manager.NewUser(r.Context(), req.Email, req.Name)
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			response.WriteError(w, r, response.ErrConflict().AddMessages("Email already registered"))
			return
		}
		s.Logger.Error("Request failed with unexpected error",
			zap.String("Path", r.URL.Path),
			zap.Error(err),
		)
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}
	response.WriteCreated(w, r, u)
}

func (s *Service) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.Manager.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.Logger.Error("Request failed with unexpected error",
			zap.String("Path", r.URL.Path),
			zap.Error(err),
		)
		response.WriteError(w, r, response.ErrUnexpected())
		return
	}
	if u == nil {
		response.WriteError(w, r, response.ErrNotFound())
		return
	}
	response.WriteResponse(w, r, u)
}

// Router returns the user routes
func (s *Service) Router() http.Handler {
	router := chi.NewRouter()

	router.Post("/", s.register)
	router.Get("/{id}", s.getUser)

	return router
}
