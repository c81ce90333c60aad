// Package model contains the records shared by every stage of connecting a bank:
// institutions, external and local accounts, connections, transactions and import summaries.
package model

import "time"

const (
	// DefaultAccessValidForDays is the aggregator's standard authorization validity, used when an institution doesn't report one
	DefaultAccessValidForDays = 90
	day                       = 24 * time.Hour
)

// Institution is a bank that can be connected through the aggregator
type Institution struct {
	ID                    string
	Name                  string
	BIC                   string
	TransactionTotalDays  int
	MaxAccessValidForDays int
	Logo                  string
	Countries             []string
}

// AccessValidity returns how long an authorization for this institution stays valid
func (i Institution) AccessValidity() time.Duration {
	days := i.MaxAccessValidForDays
	if days <= 0 {
		days = DefaultAccessValidForDays
	}
	return time.Duration(days) * day
}
