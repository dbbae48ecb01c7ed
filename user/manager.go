package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrDuplicateEmail is returned when registering an email that already has an
// account.
var ErrDuplicateEmail = errors.New("user: email already registered")

// ManagerOptions provides initialization parameters for Manager
type ManagerOptions struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// Manager handles user accounts
type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&User{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize user.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// NewUser registers an account for the given email.
func (m *Manager) NewUser(ctx context.Context, email, name string) (*User, error) {
	u := &User{
		ID:    shortuuid.New(),
		Email: email,
		Name:  name,
	}
	if result := m.DB.WithContext(ctx).Create(u); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateEmail
		}
		m.Logger.Error("Unable to create user",
			zap.String("Email", email),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create user")
	}
	return u, nil
}

// GetByID returns the user by id, or nil without error when none exists.
func (m *Manager) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	result := m.DB.WithContext(ctx).Where("id = ?", id).First(&u)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by id")
	}
	return &u, nil
}

// GetByEmail returns the user by email, or nil without error when none exists.
func (m *Manager) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	result := m.DB.WithContext(ctx).Where("email = ?", email).First(&u)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get user by email")
	}
	return &u, nil
}
