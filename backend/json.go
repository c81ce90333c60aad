package backend

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const dateFormat = "2006-01-02"

// looseInt accepts a JSON number or a numeric string. The aggregator sends some counts as strings
type looseInt int

func (l *looseInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*l = 0
		return nil
	}
	i, err := strconv.Atoi(string(b))
	if err != nil {
		return errors.Wrapf(err, "Invalid integer: %s", b)
	}
	*l = looseInt(i)
	return nil
}

// looseID accepts a JSON string or number ID
type looseID string

func (l *looseID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = looseID(s)
		return nil
	}
	if string(b) == "null" {
		*l = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*l = looseID(n.String())
	return nil
}

// parseTime accepts RFC 3339 timestamps or plain dates. Empty strings are the zero time
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateFormat, s)
	return t, errors.Wrapf(err, "Invalid timestamp: %q", s)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateFormat)
}
