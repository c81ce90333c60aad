package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrRunning is returned when an import is requested while another is still running
var ErrRunning = errors.New("An import is already running. Wait for it to finish and try again")

// Source provides an external account's transactions and balance
type Source interface {
	Transactions(ctx context.Context, externalID string, from, to time.Time) ([]model.Transaction, error)
	Balance(ctx context.Context, externalID string) (decimal.Decimal, error)
}

// Accounts lists local bank accounts and records their balances
type Accounts interface {
	BankAccounts(ctx context.Context) ([]model.LocalAccount, error)
	UpdateBalance(ctx context.Context, localID string, balance decimal.Decimal) error
}

// Runner runs imports and balance syncs
type Runner interface {
	ImportAll(ctx context.Context, opts Options, progress Progress) (model.Summary, error)
	ImportAccount(ctx context.Context, localID string, opts Options, progress Progress) (model.Summary, error)
	SyncBalances(ctx context.Context, progress Progress) (model.Summary, error)
	// Running returns true while an import or balance sync is in progress
	Running() bool
}

// Config sets up an Orchestrator
type Config struct {
	Source   Source
	Accounts Accounts
	Ledger   Ledger
	// Concurrency is the number of accounts imported at once. Defaults to 1
	Concurrency int
	Logger      *zap.Logger
}

// Orchestrator imports transactions from a Source into a Ledger, one connected account at a time or several in parallel
type Orchestrator struct {
	source      Source
	accounts    Accounts
	ledger      Ledger
	concurrency int
	logger      *zap.Logger
	running     atomic.Bool

	now   func() time.Time
	newID func() string
}

var _ Runner = &Orchestrator{}

// New creates an Orchestrator
func New(config Config) (*Orchestrator, error) {
	if config.Source == nil || config.Accounts == nil || config.Ledger == nil {
		return nil, errors.New("Orchestrator requires a source, accounts, and a ledger")
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Orchestrator{
		source:      config.Source,
		accounts:    config.Accounts,
		ledger:      config.Ledger,
		concurrency: config.Concurrency,
		logger:      config.Logger,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}, nil
}

// Running returns true while an import or balance sync is in progress
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) begin() error {
	if !o.running.CAS(false, true) {
		return ErrRunning
	}
	return nil
}

func (o *Orchestrator) end() {
	o.running.Store(false)
}

// accountResult is the outcome of one account's import
type accountResult struct {
	account    model.LocalAccount
	imported   bool
	counts     counts
	err        error
	balance    bool
	balanceErr error
}

type counts struct {
	added      int
	duplicates int
	pending    int
}

func label(account model.LocalAccount) string {
	if account.Name != "" {
		return account.Name
	}
	return account.ID
}

// ImportAll imports every connected bank account, then syncs each account's balance
func (o *Orchestrator) ImportAll(ctx context.Context, opts Options, progress Progress) (model.Summary, error) {
	if err := o.begin(); err != nil {
		return model.Summary{}, err
	}
	defer o.end()

	opts, err := opts.normalize(o.now())
	if err != nil {
		return model.Summary{}, err
	}
	connected, err := o.connected(ctx)
	if err != nil {
		return model.Summary{}, err
	}
	return o.run(ctx, connected, progress, func(ctx context.Context, account model.LocalAccount) accountResult {
		return o.importAccount(ctx, o.source, account, opts)
	}), nil
}

// ImportAccount imports a single connected bank account
func (o *Orchestrator) ImportAccount(ctx context.Context, localID string, opts Options, progress Progress) (model.Summary, error) {
	if err := o.begin(); err != nil {
		return model.Summary{}, err
	}
	defer o.end()

	opts, err := opts.normalize(o.now())
	if err != nil {
		return model.Summary{}, err
	}
	account, err := o.find(ctx, localID)
	if err != nil {
		return model.Summary{}, err
	}
	if !account.Connected() {
		return model.Summary{}, errors.Errorf("Bank account %s is not connected to a bank", label(account))
	}
	return o.run(ctx, []model.LocalAccount{account}, progress, func(ctx context.Context, account model.LocalAccount) accountResult {
		return o.importAccount(ctx, o.source, account, opts)
	}), nil
}

// ImportFrom imports one bank account from an alternate source, like a statement file. The account need not be connected
func (o *Orchestrator) ImportFrom(ctx context.Context, localID string, source Source, opts Options, progress Progress) (model.Summary, error) {
	if err := o.begin(); err != nil {
		return model.Summary{}, err
	}
	defer o.end()

	opts, err := opts.normalize(o.now())
	if err != nil {
		return model.Summary{}, err
	}
	account, err := o.find(ctx, localID)
	if err != nil {
		return model.Summary{}, err
	}
	return o.run(ctx, []model.LocalAccount{account}, progress, func(ctx context.Context, account model.LocalAccount) accountResult {
		return o.importAccount(ctx, source, account, opts)
	}), nil
}

// SyncBalances updates every connected account's balance without importing transactions
func (o *Orchestrator) SyncBalances(ctx context.Context, progress Progress) (model.Summary, error) {
	if err := o.begin(); err != nil {
		return model.Summary{}, err
	}
	defer o.end()

	connected, err := o.connected(ctx)
	if err != nil {
		return model.Summary{}, err
	}
	summary := o.run(ctx, connected, progress, func(ctx context.Context, account model.LocalAccount) accountResult {
		result := accountResult{account: account}
		result.balanceErr = safely(func() error {
			return o.syncBalance(ctx, o.source, account)
		})
		result.balance = result.balanceErr == nil
		return result
	})
	summary.SuccessfulImports = summary.BalancesSynchronized
	summary.FailedAccounts = summary.TotalAccounts - summary.BalancesSynchronized
	return summary, nil
}

func (o *Orchestrator) connected(ctx context.Context) ([]model.LocalAccount, error) {
	accounts, err := o.accounts.BankAccounts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list bank accounts")
	}
	return model.ConnectedAccounts(accounts), nil
}

func (o *Orchestrator) find(ctx context.Context, localID string) (model.LocalAccount, error) {
	accounts, err := o.accounts.BankAccounts(ctx)
	if err != nil {
		return model.LocalAccount{}, errors.Wrap(err, "Failed to list bank accounts")
	}
	for _, account := range accounts {
		if account.ID == localID {
			return account, nil
		}
	}
	return model.LocalAccount{}, errors.Errorf("Bank account not found: %s", localID)
}

// run processes accounts with bounded concurrency and computes the summary once all of them settle
func (o *Orchestrator) run(ctx context.Context, accounts []model.LocalAccount, progress Progress, step func(context.Context, model.LocalAccount) accountResult) model.Summary {
	tracker := newTracker(progress, len(accounts))
	if len(accounts) == 0 {
		tracker.report("Done", "No connected bank accounts")
		return model.Summary{Status: model.SummaryNoAccounts}
	}
	tracker.report("Starting", fmt.Sprintf("Importing %d accounts", len(accounts)))

	results := make([]accountResult, len(accounts))
	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup
	for i := range accounts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			account := accounts[i]
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = accountResult{account: account, err: ctx.Err(), balanceErr: ctx.Err()}
				tracker.finish(label(account), ctx.Err().Error())
				return
			}
			defer func() { <-sem }()

			tracker.report(label(account), "")
			results[i] = step(ctx, account)
			tracker.finish(label(account), results[i].log())
		}(i)
	}
	wg.Wait()

	summary := model.Summary{Status: model.SummaryCompleted, TotalAccounts: len(accounts)}
	for _, result := range results {
		name := label(result.account)
		switch {
		case result.err != nil:
			summary.FailedAccounts++
			summary.Errors = append(summary.Errors, fmt.Sprintf("Account %s: %s", name, result.err))
			o.logger.Warn("Failed to import account", zap.String("account", result.account.ID), zap.Error(result.err))
		case result.imported:
			summary.SuccessfulImports++
			summary.TotalNewTransactions += result.counts.added
			summary.TotalDuplicates += result.counts.duplicates
			summary.TotalPendingDuplicates += result.counts.pending
		}
		if result.balanceErr != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("Account %s balance: %s", name, result.balanceErr))
			o.logger.Warn("Failed to sync balance", zap.String("account", result.account.ID), zap.Error(result.balanceErr))
		} else if result.balance {
			summary.BalancesSynchronized++
		}
	}
	tracker.report("Done", summary.String())
	o.logger.Info("Import finished", zap.Stringer("summary", summary))
	return summary
}

func (r accountResult) log() string {
	if r.err != nil {
		return r.err.Error()
	}
	if r.imported {
		return fmt.Sprintf("%d new, %d duplicates, %d pending", r.counts.added, r.counts.duplicates, r.counts.pending)
	}
	if r.balanceErr != nil {
		return r.balanceErr.Error()
	}
	return ""
}

// importAccount runs the transaction step, then the balance step once the transactions have settled
func (o *Orchestrator) importAccount(ctx context.Context, source Source, account model.LocalAccount, opts Options) accountResult {
	result := accountResult{account: account}
	result.err = safely(func() error {
		c, err := o.importTransactions(ctx, source, account, opts)
		result.counts = c
		return err
	})
	result.imported = result.err == nil
	if !result.imported {
		result.counts = counts{}
	}

	result.balanceErr = safely(func() error {
		return o.syncBalance(ctx, source, account)
	})
	result.balance = result.balanceErr == nil
	return result
}

// safely runs fn, converting a panic into an error
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("Unexpected failure: %v", r)
		}
	}()
	return fn()
}

func (o *Orchestrator) importTransactions(ctx context.Context, source Source, account model.LocalAccount, opts Options) (counts, error) {
	logger := o.logger.With(zap.String("account", account.ID))
	fetched, err := source.Transactions(ctx, account.ExternalAccountID, opts.DateFrom, opts.DateTo)
	if err != nil {
		return counts{}, errors.Wrap(err, "Failed to fetch transactions")
	}
	fetched = uniqueByExternalID(fetched)
	for i := range fetched {
		fetched[i].AccountID = account.ID
		if fetched[i].Currency == "" {
			fetched[i].Currency = account.Currency
		}
	}

	var c counts
	var added []model.Transaction
	var pending []model.PendingDuplicate
	if opts.SkipDuplicateCheck {
		for _, txn := range fetched {
			txn.ID = o.newID()
			added = append(added, txn)
		}
	} else {
		existing, err := o.ledger.Transactions(account.ID)
		if err != nil {
			return counts{}, errors.Wrap(err, "Failed to read existing transactions")
		}
		existingPending, err := o.ledger.PendingDuplicates(account.ID)
		if err != nil {
			return counts{}, errors.Wrap(err, "Failed to read pending duplicates")
		}
		pendingTxns := make([]model.Transaction, 0, len(existingPending))
		for _, p := range existingPending {
			pendingTxns = append(pendingTxns, p.Transaction)
		}
		ledgerMatches := newMatcher(existing)
		pendingMatches := newMatcher(pendingTxns)
		now := o.now()

		for _, txn := range fetched {
			if _, _, isPending := pendingMatches.find(txn); isPending {
				c.duplicates++
				continue
			}
			dup, exact, isDup := ledgerMatches.find(txn)
			switch {
			case !isDup:
				txn.ID = o.newID()
				added = append(added, txn)
			case opts.CreatePendingForDuplicates && !exact:
				txn.ID = o.newID()
				pending = append(pending, model.PendingDuplicate{Transaction: txn, DuplicateOf: dup.ID, CreatedAt: now})
			default:
				c.duplicates++
			}
		}
	}

	if err := o.ledger.Write(added, pending); err != nil {
		return counts{}, errors.Wrap(err, "Failed to save transactions")
	}
	c.added = len(added)
	c.pending = len(pending)
	logger.Info("Imported transactions",
		zap.Int("fetched", len(fetched)),
		zap.Int("new", c.added),
		zap.Int("duplicates", c.duplicates),
		zap.Int("pending", c.pending),
	)
	return c, nil
}

// uniqueByExternalID drops repeated aggregator transaction IDs within one fetch
func uniqueByExternalID(txns []model.Transaction) []model.Transaction {
	seen := make(map[string]bool, len(txns))
	unique := txns[:0:0]
	for _, txn := range txns {
		if txn.ExternalID != "" {
			if seen[txn.ExternalID] {
				continue
			}
			seen[txn.ExternalID] = true
		}
		unique = append(unique, txn)
	}
	return unique
}

func (o *Orchestrator) syncBalance(ctx context.Context, source Source, account model.LocalAccount) error {
	balance, err := source.Balance(ctx, account.ExternalAccountID)
	if err != nil {
		return errors.Wrap(err, "Failed to fetch balance")
	}
	if err := o.accounts.UpdateBalance(ctx, account.ID, balance); err != nil {
		return errors.Wrap(err, "Failed to update balance")
	}
	return nil
}
