// Package ofxfile reads bank and credit card statements exported as OFX or QFX files
package ofxfile

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aclindsa/ofxgo"
	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Statement is one account's section of a statement file
type Statement struct {
	AccountID    string
	Currency     string
	Balance      decimal.Decimal
	BalanceDate  time.Time
	Transactions []model.Transaction
}

// Read parses an OFX document into its statements
func Read(r io.Reader) ([]Statement, error) {
	resp, err := ofxgo.ParseResponse(r)
	if err != nil {
		return nil, err
	}
	return Parse(resp)
}

// Parse converts a parsed OFX response into statements
func Parse(resp *ofxgo.Response) ([]Statement, error) {
	if resp.Signon.Status.Code != 0 {
		meaning, err := resp.Signon.Status.CodeMeaning()
		if err != nil {
			return nil, errors.Wrap(err, "Failed to parse OFX response code")
		}
		return nil, errors.Errorf("Nonzero signon status (%d: %s) with message: %s", resp.Signon.Status.Code, meaning, resp.Signon.Status.Message)
	}

	messages := append(append([]ofxgo.Message(nil), resp.Bank...), resp.CreditCard...)
	if len(messages) == 0 {
		return nil, errors.New("No statements found in file")
	}
	var statements []Statement
	for _, message := range messages {
		var statement Statement
		var ofxTxns []ofxgo.Transaction
		switch s := message.(type) {
		case *ofxgo.StatementResponse:
			statement = Statement{
				AccountID:   s.BankAcctFrom.AcctID.String(),
				Currency:    s.CurDef.String(),
				Balance:     amount(s.BalAmt),
				BalanceDate: s.DtAsOf.Time,
			}
			if s.BankTranList != nil {
				ofxTxns = s.BankTranList.Transactions
			}
		case *ofxgo.CCStatementResponse:
			statement = Statement{
				AccountID:   s.CCAcctFrom.AcctID.String(),
				Currency:    s.CurDef.String(),
				Balance:     amount(s.BalAmt),
				BalanceDate: s.DtAsOf.Time,
			}
			if s.BankTranList != nil {
				ofxTxns = s.BankTranList.Transactions
			}
		default:
			return nil, errors.Errorf("Invalid statement type: %T", message)
		}
		for _, txn := range ofxTxns {
			statement.Transactions = append(statement.Transactions, parseTransaction(txn, statement.Currency))
		}
		statements = append(statements, statement)
	}
	return statements, nil
}

// amount converts an OFX amount. Amounts are big.Rat internally, so String always forms a valid number
func amount(a ofxgo.Amount) decimal.Decimal {
	return decimal.RequireFromString(a.String())
}

func parseTransaction(txn ofxgo.Transaction, currency string) model.Transaction {
	if txn.Currency != nil {
		if ok, _ := txn.Currency.Valid(); ok {
			currency = txn.Currency.CurSym.String()
		}
	}

	name := strings.TrimSpace(string(txn.Name))
	counterparty := name
	if txn.Payee != nil {
		counterparty = strings.TrimSpace(string(txn.Payee.Name))
		if name == "" {
			name = counterparty
		}
	}
	description := name
	if memo := strings.TrimSpace(string(txn.Memo)); memo != "" {
		if description != "" {
			description += " - "
		}
		description += memo
	}

	return model.Transaction{
		ExternalID:   string(txn.FiTID),
		Date:         txn.DtPosted.Time,
		Amount:       amount(txn.TrnAmt),
		Currency:     currency,
		Description:  description,
		Counterparty: counterparty,
	}
}

// Source serves one statement's transactions and balance for an import
type Source struct {
	statement Statement
}

// NewSource picks the statement to import. accountID may be empty when there is only one statement
func NewSource(statements []Statement, accountID string) (*Source, error) {
	if accountID == "" {
		if len(statements) != 1 {
			return nil, errors.Errorf("Statement file contains %d accounts. Choose one of: %s", len(statements), strings.Join(accountIDs(statements), ", "))
		}
		return &Source{statement: statements[0]}, nil
	}
	for _, statement := range statements {
		if statement.AccountID == accountID {
			return &Source{statement: statement}, nil
		}
	}
	return nil, errors.Errorf("Account %s not found in statement file. Choose one of: %s", accountID, strings.Join(accountIDs(statements), ", "))
}

func accountIDs(statements []Statement) []string {
	ids := make([]string, 0, len(statements))
	for _, statement := range statements {
		ids = append(ids, statement.AccountID)
	}
	return ids
}

// Open reads a statement file and picks its account
func Open(path, accountID string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open statement file")
	}
	defer f.Close()
	statements, err := Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read statement file %s", path)
	}
	return NewSource(statements, accountID)
}

// Statement returns the statement being imported
func (s *Source) Statement() Statement {
	return s.statement
}

// Transactions returns the statement's transactions posted between from and to, inclusive. The file holds a single account, so externalID is ignored
func (s *Source) Transactions(ctx context.Context, externalID string, from, to time.Time) ([]model.Transaction, error) {
	var txns []model.Transaction
	for _, txn := range s.statement.Transactions {
		if txn.Date.Before(from) || txn.Date.After(to) {
			continue
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// Balance returns the statement's ledger balance
func (s *Source) Balance(ctx context.Context, externalID string) (decimal.Decimal, error) {
	return s.statement.Balance, nil
}
