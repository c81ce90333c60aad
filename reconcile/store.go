package reconcile

import (
	"encoding/json"
	"sort"

	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/plaindb"
	"github.com/pkg/errors"
)

const (
	transactionsBucket = "transactions"
	pendingBucket      = "pending-duplicates"
	storeVersion       = "1"
)

// Ledger holds imported transactions and duplicates waiting for review
type Ledger interface {
	// Transactions returns an account's live transactions
	Transactions(accountID string) ([]model.Transaction, error)
	// PendingDuplicates returns an account's duplicates waiting for review
	PendingDuplicates(accountID string) ([]model.PendingDuplicate, error)
	// Write stores new transactions and pending duplicates
	Write(txns []model.Transaction, pending []model.PendingDuplicate) error
}

// ReviewLedger is a Ledger whose pending duplicates can be settled by the user
type ReviewLedger interface {
	Ledger
	Resolve(id string, accept bool) error
}

var _ ReviewLedger = &Store{}

// Store is a Ledger kept in plaindb buckets
type Store struct {
	transactions plaindb.Bucket
	pending      plaindb.Bucket
}

// NewStore opens the transaction buckets
func NewStore(db plaindb.DB) (*Store, error) {
	transactions, err := db.Bucket(transactionsBucket, storeVersion, plaindb.JSONUpgrader(func(data json.RawMessage) (interface{}, error) {
		var txn model.Transaction
		err := json.Unmarshal(data, &txn)
		return txn, err
	}))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open transaction store")
	}
	pending, err := db.Bucket(pendingBucket, storeVersion, plaindb.JSONUpgrader(func(data json.RawMessage) (interface{}, error) {
		var p model.PendingDuplicate
		err := json.Unmarshal(data, &p)
		return p, err
	}))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open pending duplicate store")
	}
	return &Store{transactions: transactions, pending: pending}, nil
}

// Transactions implements Ledger. Sorted by date
func (s *Store) Transactions(accountID string) ([]model.Transaction, error) {
	var txns []model.Transaction
	var txn model.Transaction
	err := s.transactions.Iter(&txn, func(id string) bool {
		if txn.AccountID == accountID {
			txns = append(txns, txn)
		}
		return true
	})
	sort.SliceStable(txns, func(a, b int) bool {
		return txns[a].Date.Before(txns[b].Date)
	})
	return txns, err
}

// PendingDuplicates implements Ledger
func (s *Store) PendingDuplicates(accountID string) ([]model.PendingDuplicate, error) {
	var pending []model.PendingDuplicate
	var p model.PendingDuplicate
	err := s.pending.Iter(&p, func(id string) bool {
		if p.Transaction.AccountID == accountID {
			pending = append(pending, p)
		}
		return true
	})
	return pending, err
}

// Write implements Ledger
func (s *Store) Write(txns []model.Transaction, pending []model.PendingDuplicate) error {
	txnValues := make(map[string]interface{}, len(txns))
	for _, txn := range txns {
		if txn.ID == "" {
			return errors.New("Transaction ID must not be empty")
		}
		txnValues[txn.ID] = txn
	}
	pendingValues := make(map[string]interface{}, len(pending))
	for _, p := range pending {
		if p.Transaction.ID == "" {
			return errors.New("Pending duplicate ID must not be empty")
		}
		pendingValues[p.Transaction.ID] = p
	}
	if err := s.transactions.PutAll(txnValues); err != nil {
		return err
	}
	return s.pending.PutAll(pendingValues)
}

// Resolve settles a pending duplicate. Accepting it moves it into the account's live transactions, otherwise it's discarded
func (s *Store) Resolve(id string, accept bool) error {
	var p model.PendingDuplicate
	found, err := s.pending.Get(id, &p)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("Pending duplicate not found: %s", id)
	}
	if accept {
		if err := s.transactions.Put(p.Transaction.ID, p.Transaction); err != nil {
			return err
		}
	}
	return s.pending.Delete(id)
}
