package connection

import (
	"context"
	"time"

	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Completer registers a connection with the backend
type Completer interface {
	CompleteConnection(ctx context.Context, grant model.Grant, linkedAccountIDs []string) (model.Connection, error)
}

// InstitutionFinder looks up an institution, used to derive expiration when the backend doesn't report one
type InstitutionFinder interface {
	Find(ctx context.Context, country, id string) (model.Institution, error)
}

// Registrar records a Connection for each completed authorization
type Registrar struct {
	completer    Completer
	store        *Store
	institutions InstitutionFinder
	country      string
	logger       *zap.Logger
	now          func() time.Time
}

// NewRegistrar creates a Registrar. store and institutions may be nil
func NewRegistrar(completer Completer, store *Store, institutions InstitutionFinder, country string, logger *zap.Logger) *Registrar {
	return &Registrar{
		completer:    completer,
		store:        store,
		institutions: institutions,
		country:      country,
		logger:       logger,
		now:          time.Now,
	}
}

// Register posts the connection to the backend once, then mirrors it locally.
// A failure is logged and returned for information only. Callers must not undo account links because of it.
func (r *Registrar) Register(ctx context.Context, grant model.Grant, linkedAccountIDs []string) (model.Connection, error) {
	logger := r.logger.With(
		zap.String("requisition", grant.RequisitionID),
		zap.String("institution", grant.InstitutionID),
		zap.Strings("linkedAccounts", linkedAccountIDs),
	)
	if grant.RequisitionID == "" {
		return model.Connection{}, errors.New("Cannot register a connection without a requisition ID")
	}

	conn, err := r.completer.CompleteConnection(ctx, grant, linkedAccountIDs)
	if err != nil {
		logger.Warn("Failed to register connection", zap.Error(err))
		return model.Connection{}, err
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = r.now()
	}
	if conn.ExpiresAt.IsZero() {
		conn.ExpiresAt = conn.CreatedAt.Add(r.accessValidity(ctx, grant.InstitutionID, logger))
	}
	logger.Info("Registered connection", zap.Time("expiresAt", conn.ExpiresAt))

	if r.store == nil {
		return conn, nil
	}
	replaced, err := r.store.Save(conn)
	if err != nil {
		logger.Warn("Failed to save connection locally", zap.Error(err))
		return conn, errors.Wrap(err, "Connection registered, but not saved locally")
	}
	if len(replaced) > 0 {
		logger.Info("Replaced previous connections", zap.Strings("replaced", replaced))
	}
	return conn, nil
}

func (r *Registrar) accessValidity(ctx context.Context, institutionID string, logger *zap.Logger) time.Duration {
	if r.institutions != nil {
		inst, err := r.institutions.Find(ctx, r.country, institutionID)
		if err == nil {
			return inst.AccessValidity()
		}
		logger.Debug("Unable to look up institution access validity", zap.Error(err))
	}
	return model.Institution{}.AccessValidity()
}
