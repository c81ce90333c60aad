package reconcile

import (
	"time"

	"github.com/johnstarich/sagelink/backend"
	"github.com/pkg/errors"
)

// DefaultWindow is how far back an import looks when DateFrom isn't set
const DefaultWindow = 90 * 24 * time.Hour

// Options configure an import run
type Options struct {
	// SkipDuplicateCheck imports every fetched transaction unconditionally
	SkipDuplicateCheck bool
	// CreatePendingForDuplicates writes duplicates for review instead of skipping them. Ignored when SkipDuplicateCheck is set
	CreatePendingForDuplicates bool
	DateFrom                   time.Time
	DateTo                     time.Time
}

// normalize fills in default dates and drops options that don't apply
func (o Options) normalize(now time.Time) (Options, error) {
	if o.SkipDuplicateCheck {
		o.CreatePendingForDuplicates = false
	}
	if o.DateTo.IsZero() {
		o.DateTo = now
	}
	if o.DateFrom.IsZero() {
		o.DateFrom = o.DateTo.Add(-DefaultWindow)
	}
	if o.DateFrom.After(o.DateTo) {
		return o, errors.Errorf("Start date %s is after end date %s", o.DateFrom.Format("2006-01-02"), o.DateTo.Format("2006-01-02"))
	}
	return o, nil
}

func (o Options) backend() backend.ImportOptions {
	return backend.ImportOptions{
		SkipDuplicateCheck:         o.SkipDuplicateCheck,
		CreatePendingForDuplicates: o.CreatePendingForDuplicates,
		DateFrom:                   o.DateFrom,
		DateTo:                     o.DateTo,
	}
}
