package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a booked transaction on a local account
type Transaction struct {
	ID           string
	ExternalID   string
	AccountID    string
	Date         time.Time
	Amount       decimal.Decimal
	Currency     string
	Description  string
	Counterparty string
}

// NormalizedDescription lower cases and collapses whitespace, for comparing descriptions across imports
func (t Transaction) NormalizedDescription() string {
	return strings.ToLower(strings.Join(strings.Fields(t.Description), " "))
}

// PendingDuplicate is a transaction held for manual review because it closely matches an existing one
type PendingDuplicate struct {
	Transaction Transaction
	DuplicateOf string
	CreatedAt   time.Time
}
