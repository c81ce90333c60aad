package model

import (
	"strings"

	"github.com/johnstarich/go/regext"
	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/shopspring/decimal"
)

const (
	// ibanVisibleSuffix is the number of trailing IBAN characters left visible when masked
	ibanVisibleSuffix = 4

	// DefaultAccountType is used for accounts created from an external account
	DefaultAccountType = "checking"
)

var (
	ibanPattern = regext.MustCompile(`
		^ [A-Z]{2}       # country code
		  [0-9]{2}       # check digits
		  [A-Z0-9]{11,30} $  # basic bank account number
	`)
)

// ExternalAccount is an account as the aggregator knows it, before it's mapped onto a local account
type ExternalAccount struct {
	ID       string
	IBAN     string
	Name     string
	Currency string
}

// NormalizedIBAN returns the IBAN in upper case without spaces
func (e ExternalAccount) NormalizedIBAN() string {
	return strings.ToUpper(strings.Join(strings.Fields(e.IBAN), ""))
}

// ValidIBAN returns true if the IBAN is well formed. Check digits are not verified
func (e ExternalAccount) ValidIBAN() bool {
	return ibanPattern.MatchString(e.NormalizedIBAN())
}

// MaskedIBAN hides all but the last few characters of the IBAN, suitable for logs
func (e ExternalAccount) MaskedIBAN() string {
	iban := e.NormalizedIBAN()
	if len(iban) <= ibanVisibleSuffix {
		return iban
	}
	return strings.Repeat("*", 4) + iban[len(iban)-ibanVisibleSuffix:]
}

// DisplayName returns the best human readable name for the account
func (e ExternalAccount) DisplayName() string {
	if name := strings.TrimSpace(e.Name); name != "" {
		return name
	}
	if e.IBAN != "" {
		return e.MaskedIBAN()
	}
	return e.ID
}

// ValidateExternalAccount checks an account received from the aggregator
func ValidateExternalAccount(e ExternalAccount) error {
	var errs sErrors.Errors
	errs.ErrIf(e.ID == "", "External account ID must not be empty")
	errs.ErrIf(e.IBAN != "" && !e.ValidIBAN(), "External account IBAN is malformed: %s", e.MaskedIBAN())
	return errs.ErrOrNil()
}

// LocalAccount is a bank account owned by the backend
type LocalAccount struct {
	ID                string
	Name              string
	Balance           decimal.Decimal
	Currency          string
	Type              string
	ExternalAccountID string
}

// Connected returns true if the account is linked to an external account
func (l LocalAccount) Connected() bool {
	return l.ExternalAccountID != ""
}

// ConnectedAccounts filters accounts down to those linked to an external account
func ConnectedAccounts(accounts []LocalAccount) []LocalAccount {
	var connected []LocalAccount
	for _, account := range accounts {
		if account.Connected() {
			connected = append(connected, account)
		}
	}
	return connected
}
