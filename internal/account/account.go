// Package account manages protocol account registration and lifecycle, and
// the binding of accounts to billing users via external account binding.
package account

import (
	"context"
	"encoding/base64"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhuxbo/certfront/internal/jws"
	"github.com/zhuxbo/certfront/internal/model"
	"github.com/zhuxbo/certfront/internal/problem"
	"github.com/zhuxbo/certfront/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "account"))
}

// Manager handles account registration, lookup, contact updates and
// deactivation.
type Manager struct {
	store storage.Storage
}

// NewManager creates an account manager.
func NewManager(store storage.Storage) *Manager {
	return &Manager{store: store}
}

// RegisterParams carries the decoded new-account request.
type RegisterParams struct {
	Key                *jose.JSONWebKey
	Contact            []string
	OnlyReturnExisting bool
	// Envelope is the outer request envelope; its payload carries the
	// external account binding.
	Envelope *jws.Envelope
}

// CreateOrGet registers a new account for the given key, or returns the
// existing one when the key is already registered. Registration requires a
// valid external account binding; the binding's kid resolves the billing
// user the account is funded by.
//
// The boolean result reports whether a new account was created.
func (m *Manager) CreateOrGet(ctx context.Context, params RegisterParams) (*model.Account, bool, error) {
	keyID, err := jws.ComputeKeyID(params.Key)
	if err != nil {
		return nil, false, problem.Malformed("account key could not be processed")
	}

	existing, err := m.store.GetAccountByKeyID(ctx, keyID)
	if err != nil {
		return nil, false, fmt.Errorf("account: lookup by key failed: %w", err)
	}
	if existing != nil {
		if existing.Status != model.AccountStatusValid {
			return nil, false, problem.Unauthorized("account is not valid")
		}
		return existing, false, nil
	}
	if params.OnlyReturnExisting {
		return nil, false, problem.AccountDoesNotExist("no account registered for this key")
	}

	// New registration: the external account binding is mandatory and
	// resolves the billing user.
	if params.Envelope == nil {
		return nil, false, problem.ExternalAccountRequired("registration requires an external account binding")
	}
	kid, err := jws.ExtractEABKid(params.Envelope)
	if err != nil {
		return nil, false, problem.ExternalAccountRequired("registration requires an external account binding")
	}
	cred, err := m.store.GetEABCredential(ctx, kid)
	if err != nil {
		return nil, false, fmt.Errorf("account: EAB credential lookup failed: %w", err)
	}
	if cred == nil {
		return nil, false, problem.Unauthorized("external account binding could not be verified")
	}
	secret, err := base64.RawURLEncoding.DecodeString(cred.HMACKey)
	if err != nil {
		logger.Error("Stored EAB HMAC key is not valid base64url", zap.String("kid", kid), zap.Error(err))
		return nil, false, problem.Unauthorized("external account binding could not be verified")
	}
	if !jws.VerifyEAB(params.Envelope, kid, secret) {
		return nil, false, problem.Unauthorized("external account binding could not be verified")
	}

	jwkJSON, err := params.Key.MarshalJSON()
	if err != nil {
		return nil, false, fmt.Errorf("account: failed to serialize account key: %w", err)
	}

	acc := &model.Account{
		ID:           uuid.New().String(),
		KeyID:        keyID,
		PublicKeyJWK: string(jwkJSON),
		Contact:      params.Contact,
		Status:       model.AccountStatusValid,
		UserID:       cred.UserID,
		EABKeyID:     kid,
	}
	if err := m.store.SaveAccount(ctx, acc); err != nil {
		return nil, false, fmt.Errorf("account: failed to save account: %w", err)
	}
	logger.Info("Account registered", zap.String("accountID", acc.ID), zap.String("userID", acc.UserID), zap.String("eabKid", kid))
	return acc, true, nil
}

// FindByKeyID resolves a kid presented in a request header to a valid
// account. Unknown keys yield accountDoesNotExist; deactivated or revoked
// accounts yield unauthorized.
func (m *Manager) FindByKeyID(ctx context.Context, keyID string) (*model.Account, error) {
	acc, err := m.store.GetAccountByKeyID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("account: lookup by key failed: %w", err)
	}
	if acc == nil {
		return nil, problem.AccountDoesNotExist("no account registered for this key")
	}
	if acc.Status != model.AccountStatusValid {
		return nil, problem.Unauthorized("account is not valid")
	}
	return acc, nil
}

// Get returns the account with the given id, or nil when absent.
func (m *Manager) Get(ctx context.Context, id string) (*model.Account, error) {
	return m.store.GetAccount(ctx, id)
}

// FindByUserID returns every account bound to a billing identity.
func (m *Manager) FindByUserID(ctx context.Context, userID string) ([]*model.Account, error) {
	accs, err := m.store.GetAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("account: lookup by user failed: %w", err)
	}
	return accs, nil
}

// UpdateContact replaces the contact list of a valid account.
func (m *Manager) UpdateContact(ctx context.Context, accountID string, contact []string) (*model.Account, error) {
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account: lookup failed: %w", err)
	}
	if acc == nil {
		return nil, problem.AccountDoesNotExist("account not found")
	}
	if acc.Status != model.AccountStatusValid {
		return nil, problem.Unauthorized("account is not valid")
	}
	acc.Contact = contact
	if err := m.store.SaveAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("account: failed to save account: %w", err)
	}
	return acc, nil
}

// Deactivate marks the account deactivated. Deactivation is terminal: the
// key can never authenticate again and the account cannot be reactivated.
func (m *Manager) Deactivate(ctx context.Context, accountID string) (*model.Account, error) {
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account: lookup failed: %w", err)
	}
	if acc == nil {
		return nil, problem.AccountDoesNotExist("account not found")
	}
	if acc.Status != model.AccountStatusValid {
		return nil, problem.Unauthorized("account is not valid")
	}
	acc.Status = model.AccountStatusDeactivated
	if err := m.store.SaveAccount(ctx, acc); err != nil {
		return nil, fmt.Errorf("account: failed to save account: %w", err)
	}
	logger.Info("Account deactivated", zap.String("accountID", acc.ID))
	return acc, nil
}
