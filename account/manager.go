package account

import (
	"context"
	"errors"

	"github.com/inkwellhq/inkwell/billing"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Accounts
type Manager struct {
	db      *gorm.DB
	logger  *zap.Logger
	gateway billing.Gateway
}

// NewManager returns a new Manager for accounts
func NewManager(logger *zap.Logger, db *gorm.DB, gateway billing.Gateway) (*Manager, error) {
	if logger == nil {
		return nil, errors.New("nil Logger is invalid")
	}
	if db == nil {
		return nil, errors.New("nil DB is invalid")
	}
	if gateway == nil {
		return nil, errors.New("nil Gateway is invalid")
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize account.Manager")
	}
	return &Manager{
		db:      db,
		logger:  logger,
		gateway: gateway,
	}, nil
}

// NewAccount will create a new account in the database. The provider-side
// customer is not created here; see EnsureCustomerRef.
func (m *Manager) NewAccount(ctx context.Context, email, name string) (*Account, error) {
	newAccount := &Account{
		ID:    uuid.New().String(),
		Email: email,
		Name:  name,
	}
	result := m.db.WithContext(ctx).Create(newAccount)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create a new Account")
	}
	return newAccount, nil
}

// GetByID will try to return the account in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Account, error) {
	var acct Account
	result := m.db.WithContext(ctx).First(&acct, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get account by id")
	}
	return &acct, nil
}

// GetByEmail will try to return the account in the database by email address
func (m *Manager) GetByEmail(ctx context.Context, email string) (*Account, error) {
	var acct Account
	result := m.db.WithContext(ctx).First(&acct, "email = ?", email)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get account by email")
	}
	return &acct, nil
}

// EnsureCustomerRef resolves (or creates) the provider-side customer for the
// account and persists the reference. Safe to call repeatedly.
func (m *Manager) EnsureCustomerRef(ctx context.Context, acct *Account) (string, error) {
	if len(acct.ExternalCustomerRef) > 0 {
		return acct.ExternalCustomerRef, nil
	}
	ref, err := m.gateway.ResolveOrCreateCustomer(ctx, acct.Email, acct.Name)
	if err != nil {
		return "", err
	}
	result := m.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", acct.ID).
		Update("external_customer_ref", ref)
	if result.Error != nil {
		m.logger.Error("Unable to persist customer reference",
			zap.String("AccountID", acct.ID),
			zap.Error(result.Error),
		)
		return "", extErrors.Wrap(result.Error, "Cannot persist customer reference")
	}
	acct.ExternalCustomerRef = ref
	return ref, nil
}
