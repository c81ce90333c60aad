package model

import (
	"fmt"
	"strings"
)

// SummaryStatus distinguishes a run that found no connected accounts from one that ran
type SummaryStatus string

const (
	// SummaryCompleted means every target account was attempted
	SummaryCompleted SummaryStatus = "completed"
	// SummaryNoAccounts means there were no connected accounts to import
	SummaryNoAccounts SummaryStatus = "no_accounts"
)

// Summary is the authoritative result of one import run
type Summary struct {
	Status                 SummaryStatus
	TotalAccounts          int
	SuccessfulImports      int
	FailedAccounts         int
	TotalNewTransactions   int
	TotalDuplicates        int
	TotalPendingDuplicates int
	BalancesSynchronized   int
	Errors                 []string `json:",omitempty"`
}

// NoAccounts returns true if there was nothing to import
func (s Summary) NoAccounts() bool {
	return s.Status == SummaryNoAccounts
}

// String is the user facing description of the run
func (s Summary) String() string {
	if s.NoAccounts() {
		return "No connected bank accounts. Connect a bank first."
	}
	var buf strings.Builder
	fmt.Fprintf(&buf, "Imported %d of %d accounts", s.SuccessfulImports, s.TotalAccounts)
	if s.FailedAccounts > 0 {
		fmt.Fprintf(&buf, " (%d failed)", s.FailedAccounts)
	}
	fmt.Fprintf(&buf, ": %d new transactions, %d duplicates skipped, %d pending duplicates for review, %d balances synchronized",
		s.TotalNewTransactions, s.TotalDuplicates, s.TotalPendingDuplicates, s.BalancesSynchronized)
	return buf.String()
}
