package reconcile

import (
	"context"
	"time"

	"github.com/johnstarich/sagelink/backend"
	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Backend runs imports server side
type Backend interface {
	BankAccounts(ctx context.Context) ([]model.LocalAccount, error)
	ImportAll(ctx context.Context, options backend.ImportOptions) (model.Summary, error)
	ImportSingle(ctx context.Context, externalID, localID string, options backend.ImportOptions) (model.Summary, error)
	SyncBalances(ctx context.Context) (model.Summary, error)
}

// Remote is a Runner that delegates duplicate detection and storage to the backend
type Remote struct {
	backend Backend
	logger  *zap.Logger
	running atomic.Bool
	now     func() time.Time
}

var _ Runner = &Remote{}

// NewRemote creates a Runner backed by the backend's import endpoints
func NewRemote(b Backend, logger *zap.Logger) *Remote {
	return &Remote{backend: b, logger: logger, now: time.Now}
}

// Running implements Runner
func (r *Remote) Running() bool {
	return r.running.Load()
}

func (r *Remote) begin() error {
	if !r.running.CAS(false, true) {
		return ErrRunning
	}
	return nil
}

// remoteSummary treats a missing resource as having no connected accounts
func remoteSummary(summary model.Summary, err error) (model.Summary, error) {
	if backend.IsNotFound(err) {
		return model.Summary{Status: model.SummaryNoAccounts}, nil
	}
	return summary, err
}

func (r *Remote) report(progress Progress, summary model.Summary, err error) {
	if progress == nil {
		return
	}
	if err != nil {
		progress(Event{Percent: 100, Step: "Failed", Log: err.Error()})
		return
	}
	progress(Event{Percent: 100, Step: "Done", Log: summary.String()})
}

// ImportAll implements Runner
func (r *Remote) ImportAll(ctx context.Context, opts Options, progress Progress) (model.Summary, error) {
	if err := r.begin(); err != nil {
		return model.Summary{}, err
	}
	defer r.running.Store(false)

	opts, err := opts.normalize(r.now())
	if err != nil {
		return model.Summary{}, err
	}
	if progress != nil {
		progress(Event{Step: "Starting", Log: "Importing all connected accounts"})
	}
	summary, err := remoteSummary(r.backend.ImportAll(ctx, opts.backend()))
	r.report(progress, summary, err)
	if err != nil {
		r.logger.Warn("Import failed", zap.Error(err))
		return summary, errors.Wrap(err, "Import failed")
	}
	r.logger.Info("Import finished", zap.Stringer("summary", summary))
	return summary, nil
}

// ImportAccount implements Runner
func (r *Remote) ImportAccount(ctx context.Context, localID string, opts Options, progress Progress) (model.Summary, error) {
	if err := r.begin(); err != nil {
		return model.Summary{}, err
	}
	defer r.running.Store(false)

	opts, err := opts.normalize(r.now())
	if err != nil {
		return model.Summary{}, err
	}
	accounts, err := r.backend.BankAccounts(ctx)
	if err != nil {
		return model.Summary{}, errors.Wrap(err, "Failed to list bank accounts")
	}
	var account *model.LocalAccount
	for i := range accounts {
		if accounts[i].ID == localID {
			account = &accounts[i]
		}
	}
	if account == nil {
		return model.Summary{}, errors.Errorf("Bank account not found: %s", localID)
	}
	if !account.Connected() {
		return model.Summary{}, errors.Errorf("Bank account %s is not connected to a bank", label(*account))
	}
	if progress != nil {
		progress(Event{Step: label(*account)})
	}
	summary, err := remoteSummary(r.backend.ImportSingle(ctx, account.ExternalAccountID, account.ID, opts.backend()))
	r.report(progress, summary, err)
	if err != nil {
		return summary, errors.Wrapf(err, "Import failed for bank account %s", label(*account))
	}
	return summary, nil
}

// SyncBalances implements Runner
func (r *Remote) SyncBalances(ctx context.Context, progress Progress) (model.Summary, error) {
	if err := r.begin(); err != nil {
		return model.Summary{}, err
	}
	defer r.running.Store(false)

	summary, err := remoteSummary(r.backend.SyncBalances(ctx))
	r.report(progress, summary, err)
	return summary, errors.Wrap(err, "Balance sync failed")
}
