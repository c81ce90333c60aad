package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
)

// ImportOptions are sent to the backend's import endpoints
type ImportOptions struct {
	SkipDuplicateCheck         bool
	CreatePendingForDuplicates bool
	DateFrom                   time.Time
	DateTo                     time.Time
}

type importOptionsJSON struct {
	SkipDuplicateCheck         bool   `json:"skipDuplicateCheck"`
	CreatePendingForDuplicates bool   `json:"createPendingForDuplicates"`
	DateFrom                   string `json:"dateFrom,omitempty"`
	DateTo                     string `json:"dateTo,omitempty"`
}

func (o ImportOptions) json() importOptionsJSON {
	return importOptionsJSON{
		SkipDuplicateCheck:         o.SkipDuplicateCheck,
		CreatePendingForDuplicates: o.CreatePendingForDuplicates && !o.SkipDuplicateCheck,
		DateFrom:                   formatDate(o.DateFrom),
		DateTo:                     formatDate(o.DateTo),
	}
}

type importAllRequest struct {
	Options importOptionsJSON `json:"options"`
}

type importSingleRequest struct {
	AccountID     string            `json:"accountId"`
	BankAccountID string            `json:"bankAccountId"`
	Options       importOptionsJSON `json:"options"`
}

type summaryJSON struct {
	TotalAccounts          int      `json:"totalAccounts"`
	SuccessfulImports      int      `json:"successfulImports"`
	FailedAccounts         int      `json:"failedAccounts"`
	TotalNewTransactions   int      `json:"totalNewTransactions"`
	TotalDuplicates        int      `json:"totalDuplicates"`
	TotalPendingDuplicates int      `json:"totalPendingDuplicates"`
	BalancesSynchronized   int      `json:"balancesSynchronized"`
	Errors                 []string `json:"errors"`
}

func (s summaryJSON) model() model.Summary {
	failed := s.FailedAccounts
	if failed == 0 && s.TotalAccounts > s.SuccessfulImports {
		failed = s.TotalAccounts - s.SuccessfulImports
	}
	return model.Summary{
		Status:                 model.SummaryCompleted,
		TotalAccounts:          s.TotalAccounts,
		SuccessfulImports:      s.SuccessfulImports,
		FailedAccounts:         failed,
		TotalNewTransactions:   s.TotalNewTransactions,
		TotalDuplicates:        s.TotalDuplicates,
		TotalPendingDuplicates: s.TotalPendingDuplicates,
		BalancesSynchronized:   s.BalancesSynchronized,
		Errors:                 s.Errors,
	}
}

// ImportAll runs an import for every connected account on the backend.
// A 404 StatusError means there are no connected accounts, see IsNotFound.
func (c *Client) ImportAll(ctx context.Context, options ImportOptions) (model.Summary, error) {
	var resp summaryJSON
	if err := c.do(ctx, http.MethodPost, "import/all", nil, importAllRequest{Options: options.json()}, &resp); err != nil {
		return model.Summary{}, errors.Wrap(err, "Failed to import transactions")
	}
	return resp.model(), nil
}

// ImportSingle runs an import for one account on the backend
func (c *Client) ImportSingle(ctx context.Context, externalID, localID string, options ImportOptions) (model.Summary, error) {
	var resp summaryJSON
	err := c.do(ctx, http.MethodPost, "import-single", nil, importSingleRequest{
		AccountID:     externalID,
		BankAccountID: localID,
		Options:       options.json(),
	}, &resp)
	if err != nil {
		return model.Summary{}, errors.Wrapf(err, "Failed to import transactions for bank account %s", localID)
	}
	summary := resp.model()
	if summary.TotalAccounts == 0 {
		summary.TotalAccounts = 1
		if summary.FailedAccounts == 0 {
			summary.SuccessfulImports = 1
		}
	}
	return summary, nil
}

// SyncBalances synchronizes every connected account's balance on the backend
func (c *Client) SyncBalances(ctx context.Context) (model.Summary, error) {
	var resp summaryJSON
	if err := c.do(ctx, http.MethodPost, "sync-balances", nil, struct{}{}, &resp); err != nil {
		return model.Summary{}, errors.Wrap(err, "Failed to synchronize balances")
	}
	if resp.SuccessfulImports == 0 {
		// balance sync only reports synchronized accounts
		resp.SuccessfulImports = resp.BalancesSynchronized
	}
	return resp.model(), nil
}
