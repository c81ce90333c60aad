package authorize

import (
	"strings"

	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/johnstarich/sagelink/model"
)

// MessageType is the kind of result posted back by the authorization window
type MessageType string

const (
	// MessageSuccess reports a completed authorization
	MessageSuccess MessageType = "SUCCESS"
	// MessageError reports an authorization failure
	MessageError MessageType = "ERROR"
	// MessageCancelled reports the user abandoned the authorization
	MessageCancelled MessageType = "CANCELLED"
)

// MessageData is the payload of a Message
type MessageData struct {
	RequisitionID string                  `json:"requisitionId,omitempty"`
	Accounts      []model.ExternalAccount `json:"accounts,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// Message is posted from the authorization window's landing page to the window that opened it
type Message struct {
	Type   MessageType `json:"type"`
	Origin string      `json:"origin"`
	Data   MessageData `json:"data"`
}

// Validate checks a message received from outside the process
func (m Message) Validate() error {
	var errs sErrors.Errors
	switch m.Type {
	case MessageSuccess, MessageError, MessageCancelled:
	default:
		errs.ErrIf(true, "Unknown message type: %q", m.Type)
	}
	errs.ErrIf(m.Origin == "", "Message origin is required")
	for _, account := range m.Data.Accounts {
		errs.AddErr(model.ValidateExternalAccount(account))
	}
	return errs.ErrOrNil()
}

// SameOrigin compares two origins, ignoring case and a trailing slash
func SameOrigin(a, b string) bool {
	normalize := func(s string) string {
		return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "/"))
	}
	return a != "" && normalize(a) == normalize(b)
}
