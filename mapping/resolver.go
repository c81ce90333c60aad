package mapping

import (
	"context"

	"github.com/johnstarich/sagelink/backend"
	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Accounts writes mappings to the backend
type Accounts interface {
	Balance(ctx context.Context, externalID string) (decimal.Decimal, error)
	AssociateAccount(ctx context.Context, localID, externalID string, balance decimal.Decimal) error
	CreateAccount(ctx context.Context, account backend.NewAccount) (model.LocalAccount, error)
}

// Registrar records the connection for a set of linked accounts
type Registrar interface {
	Register(ctx context.Context, grant model.Grant, linkedAccountIDs []string) (model.Connection, error)
}

// Linked is a mapping that was written
type Linked struct {
	ExternalAccountID string
	LocalAccountID    string
	Created           bool
	Balance           decimal.Decimal
}

// Failure is a mapping that couldn't be written
type Failure struct {
	External model.ExternalAccount
	Error    string
}

// CommitResult reports what a commit wrote. Mappings are not rolled back when others fail
type CommitResult struct {
	Linked     []Linked
	Failures   []Failure         `json:",omitempty"`
	Connection *model.Connection `json:",omitempty"`
	// RegistrationError is set if the connection couldn't be registered. The linked accounts are still kept
	RegistrationError string `json:",omitempty"`
}

// LinkedIDs returns the external IDs of every written mapping
func (c CommitResult) LinkedIDs() []string {
	ids := make([]string, 0, len(c.Linked))
	for _, l := range c.Linked {
		ids = append(ids, l.ExternalAccountID)
	}
	return ids
}

// Resolver commits mappings
type Resolver struct {
	accounts  Accounts
	registrar Registrar
	logger    *zap.Logger
}

// NewResolver creates a Resolver. registrar may be nil to skip connection registration
func NewResolver(accounts Accounts, registrar Registrar, logger *zap.Logger) *Resolver {
	return &Resolver{
		accounts:  accounts,
		registrar: registrar,
		logger:    logger,
	}
}

// Commit writes each mapping in order, carrying the external account's current balance.
// A mapping that fails is recorded and skipped. If grant is set and any account was linked, the connection
// is then registered with every linked account. locals must be the current local accounts, used to validate mappings.
func (r *Resolver) Commit(ctx context.Context, grant *model.Grant, mappings []model.Mapping, locals []model.LocalAccount) (CommitResult, error) {
	if err := Validate(mappings, locals); err != nil {
		return CommitResult{}, err
	}

	result := CommitResult{Linked: []Linked{}}
	for _, m := range mappings {
		logger := r.logger.With(
			zap.String("externalAccount", m.External.ID),
			zap.String("iban", m.External.MaskedIBAN()),
			zap.String("action", string(m.Action)),
		)
		linked, err := r.commitOne(ctx, m)
		if err != nil {
			logger.Error("Failed to link account", zap.Error(err))
			result.Failures = append(result.Failures, Failure{External: m.External, Error: err.Error()})
			continue
		}
		logger.Info("Linked account", zap.String("bankAccount", linked.LocalAccountID))
		result.Linked = append(result.Linked, linked)
	}

	if grant == nil || grant.RequisitionID == "" || r.registrar == nil {
		return result, nil
	}
	if len(result.Linked) == 0 {
		r.logger.Warn("No accounts linked. Connection not registered", zap.String("requisition", grant.RequisitionID))
		return result, nil
	}
	conn, err := r.registrar.Register(ctx, *grant, result.LinkedIDs())
	if err != nil {
		r.logger.Warn("Failed to register connection. Linked accounts are kept",
			zap.String("requisition", grant.RequisitionID),
			zap.Error(err),
		)
		result.RegistrationError = err.Error()
		return result, nil
	}
	result.Connection = &conn
	return result, nil
}

func (r *Resolver) commitOne(ctx context.Context, m model.Mapping) (Linked, error) {
	balance, err := r.accounts.Balance(ctx, m.External.ID)
	if err != nil {
		return Linked{}, err
	}
	switch m.Action {
	case model.Associate:
		err := r.accounts.AssociateAccount(ctx, m.LocalAccountID, m.External.ID, balance)
		return Linked{ExternalAccountID: m.External.ID, LocalAccountID: m.LocalAccountID, Balance: balance}, err
	case model.Create:
		created, err := r.accounts.CreateAccount(ctx, backend.NewAccount{
			Name:              m.Name,
			Balance:           balance,
			Currency:          m.External.Currency,
			Type:              model.DefaultAccountType,
			ExternalAccountID: m.External.ID,
		})
		return Linked{ExternalAccountID: m.External.ID, LocalAccountID: created.ID, Created: true, Balance: balance}, err
	default:
		return Linked{}, errors.Errorf("Unknown mapping action: %q", m.Action)
	}
}
