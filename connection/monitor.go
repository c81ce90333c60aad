// Package connection registers completed authorizations and reports when they need renewing
package connection

import (
	"context"
	"math"
	"time"

	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/johnstarich/sagelink/model"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

// Classify returns the alert status for a connection expiring at expiresAt, and whole days left (rounded up).
// Expired once now reaches expiresAt. Expiring soon when no more than 'window' remains.
func Classify(expiresAt, now time.Time, window time.Duration) (model.AlertStatus, int) {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return model.StatusExpired, 0
	}
	days := int(math.Ceil(float64(remaining) / float64(day)))
	if remaining <= window {
		return model.StatusExpiringSoon, days
	}
	return model.StatusOK, days
}

// Alert derives the alert for conn
func Alert(conn model.Connection, now time.Time, window time.Duration) model.Alert {
	status, days := Classify(conn.ExpiresAt, now, window)
	return model.Alert{
		Status:              status,
		DaysUntilExpiration: days,
		RequisitionID:       conn.RequisitionID,
		InstitutionID:       conn.InstitutionID,
		ExpiresAt:           conn.ExpiresAt,
		LinkedAccountIDs:    conn.LinkedAccountIDs,
	}
}

// Lister returns registered connections
type Lister interface {
	Connections(ctx context.Context) ([]model.Connection, error)
}

// Monitor evaluates connection expirations on demand
type Monitor struct {
	remote Lister
	store  *Store
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewMonitor creates a Monitor. Either source may be nil
func NewMonitor(remote Lister, store *Store, window time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		remote: remote,
		store:  store,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Connections merges the backend's connections with the local store. The backend's copy wins.
// If one source fails, the other's connections are still returned with the error.
func (m *Monitor) Connections(ctx context.Context) ([]model.Connection, error) {
	var errs sErrors.Errors
	var remote, local []model.Connection
	if m.remote != nil {
		var err error
		remote, err = m.remote.Connections(ctx)
		if !errs.AddErr(err) {
			m.logger.Warn("Failed to fetch connection status", zap.Error(err))
		}
	}
	if m.store != nil {
		var err error
		local, err = m.store.All()
		if !errs.AddErr(err) {
			m.logger.Warn("Failed to read local connections", zap.Error(err))
		}
	}

	seen := make(map[string]bool, len(remote))
	conns := make([]model.Connection, 0, len(remote)+len(local))
	for _, conn := range remote {
		if conn.ExpiresAt.IsZero() {
			// expiration unknown, fall back to the local copy if there is one
			continue
		}
		seen[conn.RequisitionID] = true
		conns = append(conns, conn)
	}
	for _, conn := range local {
		if !seen[conn.RequisitionID] && !conn.ExpiresAt.IsZero() {
			seen[conn.RequisitionID] = true
			conns = append(conns, conn)
		}
	}
	return conns, errs.ErrOrNil()
}

// Evaluate classifies every connection and returns each linked external account's alert.
// When an account appears in several connections, the latest expiration wins.
func (m *Monitor) Evaluate(ctx context.Context) (model.Alerts, error) {
	conns, err := m.Connections(ctx)
	now := m.now()
	alerts := make(model.Alerts)
	for _, conn := range conns {
		alert := Alert(conn, now, m.window)
		for _, id := range conn.LinkedAccountIDs {
			if existing, ok := alerts[id]; ok && existing.ExpiresAt.After(conn.ExpiresAt) {
				continue
			}
			alerts[id] = alert
		}
	}
	return alerts, err
}
