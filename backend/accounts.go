package backend

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// preferredBalanceTypes are picked in order when choosing a balance to synchronize
	preferredBalanceTypes = []string{"expected", "interimAvailable"}
)

type amountJSON struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type balanceJSON struct {
	BalanceType   string     `json:"balanceType"`
	BalanceAmount amountJSON `json:"balanceAmount"`
}

type balancesResponse struct {
	Balances []balanceJSON `json:"balances"`
}

// selectBalance picks the 'expected' or 'interimAvailable' balance, falling back to the first one
func selectBalance(balances []balanceJSON) (decimal.Decimal, bool) {
	if len(balances) == 0 {
		return decimal.Zero, false
	}
	for _, balanceType := range preferredBalanceTypes {
		for _, balance := range balances {
			if balance.BalanceType == balanceType {
				return balance.BalanceAmount.Amount, true
			}
		}
	}
	return balances[0].BalanceAmount.Amount, true
}

// Balance fetches the current balance of an external account
func (c *Client) Balance(ctx context.Context, externalID string) (decimal.Decimal, error) {
	var resp balancesResponse
	if err := c.do(ctx, http.MethodGet, pathOf("accounts", externalID, "balances"), nil, nil, &resp); err != nil {
		return decimal.Zero, errors.Wrap(err, "Failed to fetch balance")
	}
	balance, ok := selectBalance(resp.Balances)
	if !ok {
		return decimal.Zero, errors.Errorf("No balances reported for external account %s", externalID)
	}
	return balance, nil
}

type transactionJSON struct {
	TransactionID                          string     `json:"transactionId"`
	InternalTransactionID                  string     `json:"internalTransactionId"`
	BookingDate                            string     `json:"bookingDate"`
	ValueDate                              string     `json:"valueDate"`
	TransactionAmount                      amountJSON `json:"transactionAmount"`
	RemittanceInformationUnstructured      string     `json:"remittanceInformationUnstructured"`
	RemittanceInformationUnstructuredArray []string   `json:"remittanceInformationUnstructuredArray"`
	CreditorName                           string     `json:"creditorName"`
	DebtorName                             string     `json:"debtorName"`
}

type transactionsResponse struct {
	Transactions struct {
		Booked  []transactionJSON `json:"booked"`
		Pending []transactionJSON `json:"pending"`
	} `json:"transactions"`
}

func (t transactionJSON) model() (model.Transaction, error) {
	dateStr := t.BookingDate
	if dateStr == "" {
		dateStr = t.ValueDate
	}
	date, err := parseTime(dateStr)
	if err != nil {
		return model.Transaction{}, err
	}

	counterparty := t.CreditorName
	if t.TransactionAmount.Amount.IsPositive() || counterparty == "" {
		if t.DebtorName != "" {
			counterparty = t.DebtorName
		}
	}
	description := t.RemittanceInformationUnstructured
	if description == "" {
		description = strings.Join(t.RemittanceInformationUnstructuredArray, " ")
	}
	if description == "" {
		description = counterparty
	}
	externalID := t.TransactionID
	if externalID == "" {
		externalID = t.InternalTransactionID
	}
	return model.Transaction{
		ExternalID:   externalID,
		Date:         date,
		Amount:       t.TransactionAmount.Amount,
		Currency:     t.TransactionAmount.Currency,
		Description:  description,
		Counterparty: counterparty,
	}, nil
}

// Transactions fetches booked transactions for an external account. Pending transactions are not returned
func (c *Client) Transactions(ctx context.Context, externalID string, from, to time.Time) ([]model.Transaction, error) {
	query := url.Values{}
	if s := formatDate(from); s != "" {
		query.Set("date_from", s)
	}
	if s := formatDate(to); s != "" {
		query.Set("date_to", s)
	}
	var resp transactionsResponse
	if err := c.do(ctx, http.MethodGet, pathOf("accounts", externalID, "transactions"), query, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "Failed to fetch transactions")
	}
	txns := make([]model.Transaction, 0, len(resp.Transactions.Booked))
	for _, t := range resp.Transactions.Booked {
		txn, err := t.model()
		if err != nil {
			return nil, errors.Wrapf(err, "Invalid transaction %q", t.TransactionID)
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

type localAccountJSON struct {
	ID                  looseID         `json:"id"`
	Name                string          `json:"name"`
	Balance             decimal.Decimal `json:"balance"`
	Currency            string          `json:"currency"`
	Type                string          `json:"type"`
	GocardlessAccountID string          `json:"gocardlessAccountId"`
}

func (l localAccountJSON) model() model.LocalAccount {
	return model.LocalAccount{
		ID:                string(l.ID),
		Name:              l.Name,
		Balance:           l.Balance,
		Currency:          l.Currency,
		Type:              l.Type,
		ExternalAccountID: l.GocardlessAccountID,
	}
}

// BankAccounts lists the user's local bank accounts
func (c *Client) BankAccounts(ctx context.Context) ([]model.LocalAccount, error) {
	var accounts []localAccountJSON
	if err := c.do(ctx, http.MethodGet, "bank-accounts", nil, nil, &accounts); err != nil {
		return nil, errors.Wrap(err, "Failed to fetch bank accounts")
	}
	results := make([]model.LocalAccount, 0, len(accounts))
	for _, account := range accounts {
		results = append(results, account.model())
	}
	return results, nil
}

type associateRequest struct {
	GocardlessAccountID string          `json:"gocardlessAccountId"`
	Balance             decimal.Decimal `json:"balance"`
}

// AssociateAccount links an existing local account to an external account and sets its balance
func (c *Client) AssociateAccount(ctx context.Context, localID, externalID string, balance decimal.Decimal) error {
	err := c.do(ctx, http.MethodPatch, pathOf("bank-accounts", localID), nil, associateRequest{
		GocardlessAccountID: externalID,
		Balance:             balance,
	}, nil)
	return errors.Wrapf(err, "Failed to link bank account %s", localID)
}

type balanceRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

// UpdateBalance sets a local account's balance
func (c *Client) UpdateBalance(ctx context.Context, localID string, balance decimal.Decimal) error {
	err := c.do(ctx, http.MethodPatch, pathOf("bank-accounts", localID), nil, balanceRequest{Balance: balance}, nil)
	return errors.Wrapf(err, "Failed to update balance of bank account %s", localID)
}

// NewAccount describes a local account to create for an external account
type NewAccount struct {
	Name              string
	Balance           decimal.Decimal
	Currency          string
	Type              string
	ExternalAccountID string
}

type createAccountRequest struct {
	Name                string          `json:"name"`
	Balance             decimal.Decimal `json:"balance"`
	Currency            string          `json:"currency"`
	Type                string          `json:"type"`
	GocardlessAccountID string          `json:"gocardlessAccountId"`
}

// CreateAccount creates a local account linked to an external account
func (c *Client) CreateAccount(ctx context.Context, account NewAccount) (model.LocalAccount, error) {
	accountType := account.Type
	if accountType == "" {
		accountType = model.DefaultAccountType
	}
	var created localAccountJSON
	err := c.do(ctx, http.MethodPost, "bank-accounts", nil, createAccountRequest{
		Name:                account.Name,
		Balance:             account.Balance,
		Currency:            account.Currency,
		Type:                accountType,
		GocardlessAccountID: account.ExternalAccountID,
	}, &created)
	if err != nil {
		return model.LocalAccount{}, errors.Wrapf(err, "Failed to create bank account %q", account.Name)
	}
	return created.model(), nil
}
