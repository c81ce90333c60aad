// Package sqlledger keeps imported transactions in Postgres, for deployments sharing one ledger between several processes
package sqlledger

import (
	"encoding/json"
	"time"

	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = time.Second

type transactionRow struct {
	ID         string          `gorm:"primaryKey"`
	AccountID  string          `gorm:"index"`
	ExternalID string          `gorm:"index"`
	Date       time.Time       `gorm:"index"`
	Amount     decimal.Decimal `gorm:"type:numeric"`
	Currency   string
	// Transaction is the complete record. The other columns are copies for querying
	Transaction datatypes.JSON
}

func (transactionRow) TableName() string {
	return "sagelink_transactions"
}

type pendingRow struct {
	ID          string `gorm:"primaryKey"`
	AccountID   string `gorm:"index"`
	DuplicateOf string
	CreatedAt   time.Time
	Transaction datatypes.JSON
}

func (pendingRow) TableName() string {
	return "sagelink_pending_duplicates"
}

func newTransactionRow(txn model.Transaction) (transactionRow, error) {
	if txn.ID == "" {
		return transactionRow{}, errors.New("Transaction ID must not be empty")
	}
	raw, err := json.Marshal(txn)
	if err != nil {
		return transactionRow{}, err
	}
	return transactionRow{
		ID:          txn.ID,
		AccountID:   txn.AccountID,
		ExternalID:  txn.ExternalID,
		Date:        txn.Date,
		Amount:      txn.Amount,
		Currency:    txn.Currency,
		Transaction: datatypes.JSON(raw),
	}, nil
}

func newPendingRow(p model.PendingDuplicate) (pendingRow, error) {
	if p.Transaction.ID == "" {
		return pendingRow{}, errors.New("Pending duplicate ID must not be empty")
	}
	raw, err := json.Marshal(p.Transaction)
	if err != nil {
		return pendingRow{}, err
	}
	return pendingRow{
		ID:          p.Transaction.ID,
		AccountID:   p.Transaction.AccountID,
		DuplicateOf: p.DuplicateOf,
		CreatedAt:   p.CreatedAt,
		Transaction: datatypes.JSON(raw),
	}, nil
}

func (r pendingRow) model() (model.PendingDuplicate, error) {
	p := model.PendingDuplicate{DuplicateOf: r.DuplicateOf, CreatedAt: r.CreatedAt}
	err := json.Unmarshal(r.Transaction, &p.Transaction)
	return p, errors.Wrapf(err, "Corrupt pending duplicate %s", r.ID)
}

// Store is a reconcile.Ledger backed by gorm
type Store struct {
	db *gorm.DB
}

var _ reconcile.ReviewLedger = &Store{}

// Open connects to the Postgres database at dsn and creates the ledger's tables if needed
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(zap.NewStdLog(logger), gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to ledger database")
	}
	return New(db)
}

// New uses an existing gorm connection
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&transactionRow{}, &pendingRow{}); err != nil {
		return nil, errors.Wrap(err, "Failed to migrate ledger tables")
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transactions implements reconcile.Ledger. Sorted by date
func (s *Store) Transactions(accountID string) ([]model.Transaction, error) {
	var rows []transactionRow
	if err := s.db.Where("account_id = ?", accountID).Order("date, id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "Failed to query transactions")
	}
	txns := make([]model.Transaction, 0, len(rows))
	for _, row := range rows {
		var txn model.Transaction
		if err := json.Unmarshal(row.Transaction, &txn); err != nil {
			return nil, errors.Wrapf(err, "Corrupt transaction %s", row.ID)
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// PendingDuplicates implements reconcile.Ledger
func (s *Store) PendingDuplicates(accountID string) ([]model.PendingDuplicate, error) {
	var rows []pendingRow
	if err := s.db.Where("account_id = ?", accountID).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "Failed to query pending duplicates")
	}
	pending := make([]model.PendingDuplicate, 0, len(rows))
	for _, row := range rows {
		p, err := row.model()
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, nil
}

// Write implements reconcile.Ledger. Everything is written in one database transaction
func (s *Store) Write(txns []model.Transaction, pending []model.PendingDuplicate) error {
	txnRows := make([]transactionRow, 0, len(txns))
	for _, txn := range txns {
		row, err := newTransactionRow(txn)
		if err != nil {
			return err
		}
		txnRows = append(txnRows, row)
	}
	pendingRows := make([]pendingRow, 0, len(pending))
	for _, p := range pending {
		row, err := newPendingRow(p)
		if err != nil {
			return err
		}
		pendingRows = append(pendingRows, row)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{UpdateAll: true})
		if len(txnRows) > 0 {
			if err := upsert.Create(&txnRows).Error; err != nil {
				return errors.Wrap(err, "Failed to save transactions")
			}
		}
		if len(pendingRows) > 0 {
			if err := upsert.Create(&pendingRows).Error; err != nil {
				return errors.Wrap(err, "Failed to save pending duplicates")
			}
		}
		return nil
	})
}

// Resolve settles a pending duplicate. Accepting it moves it into the account's live transactions, otherwise it's discarded
func (s *Store) Resolve(id string, accept bool) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var row pendingRow
		err := tx.First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Errorf("Pending duplicate not found: %s", id)
		}
		if err != nil {
			return err
		}
		if accept {
			p, err := row.model()
			if err != nil {
				return err
			}
			txnRow, err := newTransactionRow(p.Transaction)
			if err != nil {
				return err
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&txnRow).Error; err != nil {
				return errors.Wrap(err, "Failed to save transaction")
			}
		}
		return tx.Delete(&pendingRow{}, "id = ?", id).Error
	})
}
