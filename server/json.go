package server

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const dateFormat = "2006-01-02"

// jsonDate accepts a calendar date or an RFC 3339 timestamp
type jsonDate struct {
	time.Time
}

func (d *jsonDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if t, err := time.Parse(dateFormat, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return errors.Errorf("Invalid date %q: use YYYY-MM-DD", s)
	}
	d.Time = t
	return nil
}
