// Package redactor keeps secrets like API tokens out of JSON responses and logs
package redactor

import (
	"encoding/json"

	"go.uber.org/zap"
)

const mask = "********"

// String is a secret string. It marshals to JSON null and prints as a mask
type String string

// MarshalJSON implements json.Marshaler
func (s String) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting a plain JSON string
func (s *String) UnmarshalJSON(b []byte) error {
	var str *string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if str == nil {
		*s = ""
		return nil
	}
	*s = String(*str)
	return nil
}

// String implements fmt.Stringer so %s and %v never leak the secret
func (s String) String() string {
	if s == "" {
		return ""
	}
	return mask
}

// GoString implements fmt.GoStringer for %#v
func (s String) GoString() string {
	return `redactor.String("` + s.String() + `")`
}

// Set implements flag.Value, so secrets can be passed as flags without their defaults appearing in usage
func (s *String) Set(value string) error {
	*s = String(value)
	return nil
}

// Reveal returns the secret. Only use it where the secret is sent to its intended recipient
func (s String) Reveal() string {
	return string(s)
}

// Field returns a zap field that logs whether the secret is set, never its value
func Field(key string, s String) zap.Field {
	return zap.Bool(key+"Set", s != "")
}
