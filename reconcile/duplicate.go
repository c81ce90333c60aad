package reconcile

import (
	"time"

	"github.com/johnstarich/sagelink/model"
)

// DuplicateDateTolerance is how far apart two otherwise identical transactions' dates may be to still match
const DuplicateDateTolerance = 24 * time.Hour

// IsDuplicate returns true if candidate is the same transaction as existing:
// same account, and either the same aggregator transaction ID,
// or the same amount, currency and normalized description within DuplicateDateTolerance.
func IsDuplicate(candidate, existing model.Transaction) bool {
	if candidate.AccountID != existing.AccountID {
		return false
	}
	if candidate.ExternalID != "" && candidate.ExternalID == existing.ExternalID {
		return true
	}
	if !candidate.Amount.Equal(existing.Amount) || candidate.Currency != existing.Currency {
		return false
	}
	if candidate.NormalizedDescription() != existing.NormalizedDescription() {
		return false
	}
	diff := candidate.Date.Sub(existing.Date)
	if diff < 0 {
		diff = -diff
	}
	return diff <= DuplicateDateTolerance
}

// sameTransaction returns true if a and b are exact copies: the same aggregator transaction ID,
// or the same date, amount, currency and normalized description
func sameTransaction(a, b model.Transaction) bool {
	if a.ExternalID != "" && a.ExternalID == b.ExternalID {
		return true
	}
	return a.Date.Equal(b.Date) &&
		a.Amount.Equal(b.Amount) &&
		a.Currency == b.Currency &&
		a.NormalizedDescription() == b.NormalizedDescription()
}

// matcher finds duplicates among an account's existing transactions
type matcher struct {
	byExternalID map[string]model.Transaction
	byAmount     map[string][]model.Transaction
}

func newMatcher(txns []model.Transaction) *matcher {
	m := &matcher{
		byExternalID: make(map[string]model.Transaction),
		byAmount:     make(map[string][]model.Transaction),
	}
	for _, txn := range txns {
		m.add(txn)
	}
	return m
}

func amountKey(txn model.Transaction) string {
	return txn.Currency + " " + txn.Amount.String()
}

func (m *matcher) add(txn model.Transaction) {
	if txn.ExternalID != "" {
		m.byExternalID[txn.ExternalID] = txn
	}
	key := amountKey(txn)
	m.byAmount[key] = append(m.byAmount[key], txn)
}

// find returns the existing transaction candidate duplicates, if any. Exact copies are preferred over near matches
func (m *matcher) find(candidate model.Transaction) (match model.Transaction, exact bool, found bool) {
	if candidate.ExternalID != "" {
		if existing, ok := m.byExternalID[candidate.ExternalID]; ok && IsDuplicate(candidate, existing) {
			return existing, true, true
		}
	}
	for _, existing := range m.byAmount[amountKey(candidate)] {
		if !IsDuplicate(candidate, existing) {
			continue
		}
		if sameTransaction(candidate, existing) {
			return existing, true, true
		}
		if !found {
			match, found = existing, true
		}
	}
	return match, false, found
}
