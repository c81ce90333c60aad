package model

import (
	"sort"
	"time"
)

// Grant is the result of a successful authorization, needed to register its Connection
type Grant struct {
	RequisitionID string
	InstitutionID string
}

// Connection tracks a completed authorization and the external accounts it linked
type Connection struct {
	RequisitionID    string
	InstitutionID    string
	CreatedAt        time.Time
	LinkedAccountIDs []string
	ExpiresAt        time.Time
}

// Links returns true if the connection covers the external account ID
func (c Connection) Links(externalID string) bool {
	for _, id := range c.LinkedAccountIDs {
		if id == externalID {
			return true
		}
	}
	return false
}

// SharesAccounts returns true if both connections link at least one of the same external accounts
func (c Connection) SharesAccounts(other Connection) bool {
	for _, id := range other.LinkedAccountIDs {
		if c.Links(id) {
			return true
		}
	}
	return false
}

// AlertStatus classifies how close a connection is to expiring
type AlertStatus string

const (
	// StatusOK means the connection is healthy
	StatusOK AlertStatus = "ok"
	// StatusExpiringSoon means the connection expires within the warning window
	StatusExpiringSoon AlertStatus = "expiring_soon"
	// StatusExpired means the connection must be reconnected before it can sync again
	StatusExpired AlertStatus = "expired"
)

// Alert is the derived expiration state for a connection. It's never stored
type Alert struct {
	Status              AlertStatus
	DaysUntilExpiration int
	RequisitionID       string
	InstitutionID       string
	ExpiresAt           time.Time
	LinkedAccountIDs    []string
}

// NeedsReconnect returns true if the user should be offered a reconnect action
func (a Alert) NeedsReconnect() bool {
	return a.Status == StatusExpired || a.Status == StatusExpiringSoon
}

// Alerts maps external account IDs to their connection's alert
type Alerts map[string]Alert

// For returns the alert for a local account, if it's connected and tracked
func (a Alerts) For(account LocalAccount) (Alert, bool) {
	if !account.Connected() {
		return Alert{}, false
	}
	alert, ok := a[account.ExternalAccountID]
	return alert, ok
}

// Reconnects returns one alert per connection the user should reconnect, soonest expiration first
func (a Alerts) Reconnects() []Alert {
	seen := make(map[string]bool)
	reconnects := []Alert{}
	for _, alert := range a {
		if !alert.NeedsReconnect() || seen[alert.RequisitionID] {
			continue
		}
		seen[alert.RequisitionID] = true
		reconnects = append(reconnects, alert)
	}
	sort.Slice(reconnects, func(i, j int) bool {
		if !reconnects[i].ExpiresAt.Equal(reconnects[j].ExpiresAt) {
			return reconnects[i].ExpiresAt.Before(reconnects[j].ExpiresAt)
		}
		return reconnects[i].RequisitionID < reconnects[j].RequisitionID
	})
	return reconnects
}
