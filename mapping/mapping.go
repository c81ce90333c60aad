// Package mapping decides how newly authorized external accounts map onto local bank accounts
package mapping

import (
	"strings"

	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/johnstarich/sagelink/model"
)

// Default proposes a mapping for one external account.
// A local account already holding the external ID means this is a reconnection, so it's associated again.
func Default(external model.ExternalAccount, locals []model.LocalAccount) model.Mapping {
	for _, local := range locals {
		if local.ExternalAccountID != "" && local.ExternalAccountID == external.ID {
			return model.Mapping{
				External:       external,
				Action:         model.Associate,
				LocalAccountID: local.ID,
			}
		}
	}
	return model.Mapping{
		External: external,
		Action:   model.Create,
		Name:     external.DisplayName(),
	}
}

// Defaults proposes a mapping for every external account
func Defaults(externals []model.ExternalAccount, locals []model.LocalAccount) []model.Mapping {
	mappings := make([]model.Mapping, 0, len(externals))
	for _, external := range externals {
		mappings = append(mappings, Default(external, locals))
	}
	return mappings
}

// Candidates returns the local accounts external may be associated with:
// those not linked yet and those already linked to external itself.
func Candidates(external model.ExternalAccount, locals []model.LocalAccount) []model.LocalAccount {
	var candidates []model.LocalAccount
	for _, local := range locals {
		if !local.Connected() || local.ExternalAccountID == external.ID {
			candidates = append(candidates, local)
		}
	}
	return candidates
}

// Validate checks user-edited mappings against the current local accounts
func Validate(mappings []model.Mapping, locals []model.LocalAccount) error {
	var errs sErrors.Errors
	targeted := make(map[string]string)
	seenExternal := make(map[string]bool)
	for _, m := range mappings {
		name := m.External.DisplayName()
		if errs.ErrIf(m.External.ID == "", "External account ID must not be empty") {
			continue
		}
		errs.ErrIf(seenExternal[m.External.ID], "External account %s is mapped more than once", name)
		seenExternal[m.External.ID] = true

		switch m.Action {
		case model.Associate:
			if errs.ErrIf(m.LocalAccountID == "", "Choose a bank account to link %s to", name) {
				continue
			}
			if !isCandidate(m.LocalAccountID, m.External, locals) {
				errs.ErrIf(true, "Bank account %s can't be linked to %s: it's missing or already linked to another external account", m.LocalAccountID, name)
				continue
			}
			if other, ok := targeted[m.LocalAccountID]; ok {
				errs.ErrIf(true, "Bank account %s is chosen for both %s and %s", m.LocalAccountID, other, name)
				continue
			}
			targeted[m.LocalAccountID] = name
		case model.Create:
			errs.ErrIf(strings.TrimSpace(m.Name) == "", "A name is required to create an account for %s", name)
		default:
			errs.ErrIf(true, "Unknown mapping action for %s: %q", name, m.Action)
		}
	}
	return errs.ErrOrNil()
}

func isCandidate(localID string, external model.ExternalAccount, locals []model.LocalAccount) bool {
	for _, candidate := range Candidates(external, locals) {
		if candidate.ID == localID {
			return true
		}
	}
	return false
}

// Override changes a mapping's action. Switching to Associate picks the first candidate when none is chosen
func Override(m model.Mapping, action model.MappingAction, locals []model.LocalAccount) model.Mapping {
	m.Action = action
	switch action {
	case model.Associate:
		m.Name = ""
		if m.LocalAccountID == "" || !isCandidate(m.LocalAccountID, m.External, locals) {
			m.LocalAccountID = ""
			if candidates := Candidates(m.External, locals); len(candidates) > 0 {
				m.LocalAccountID = candidates[0].ID
			}
		}
	case model.Create:
		m.LocalAccountID = ""
		if strings.TrimSpace(m.Name) == "" {
			m.Name = m.External.DisplayName()
		}
	}
	return m
}
