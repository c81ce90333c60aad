package model

// MappingAction is what to do with an external account when committing a mapping
type MappingAction string

const (
	// Associate links the external account to an existing local account
	Associate MappingAction = "associate"
	// Create makes a new local account for the external account
	Create MappingAction = "create"
)

// Mapping pairs an external account with an action. Held in memory until the user commits it
type Mapping struct {
	External       ExternalAccount
	Action         MappingAction
	LocalAccountID string // set for Associate
	Name           string // set for Create
}
