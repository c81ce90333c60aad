package mapping

import (
	"context"
	"testing"

	"github.com/johnstarich/sagelink/backend"
	"github.com/johnstarich/sagelink/model"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	extA = model.ExternalAccount{ID: "ext-a", IBAN: "GB33BUKB20201555555555", Name: "Current Account", Currency: "GBP"}
	extB = model.ExternalAccount{ID: "ext-b", IBAN: "GB94BARC10201530093459", Currency: "GBP"}

	locals = []model.LocalAccount{
		{ID: "1", Name: "Linked to A", ExternalAccountID: "ext-a"},
		{ID: "2", Name: "Unlinked"},
		{ID: "3", Name: "Linked elsewhere", ExternalAccountID: "ext-z"},
	}
)

func TestDefaults(t *testing.T) {
	mappings := Defaults([]model.ExternalAccount{extA, extB}, locals)
	assert.Equal(t, []model.Mapping{
		{External: extA, Action: model.Associate, LocalAccountID: "1"},
		{External: extB, Action: model.Create, Name: "****3459"},
	}, mappings)
}

func TestCandidates(t *testing.T) {
	for _, tc := range []struct {
		description string
		external    model.ExternalAccount
		expectIDs   []string
	}{
		{description: "reconnecting account", external: extA, expectIDs: []string{"1", "2"}},
		{description: "new account", external: extB, expectIDs: []string{"2"}},
	} {
		t.Run(tc.description, func(t *testing.T) {
			var ids []string
			for _, c := range Candidates(tc.external, locals) {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tc.expectIDs, ids)
		})
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		description string
		mappings    []model.Mapping
		expectErr   string
	}{
		{
			description: "defaults are valid",
			mappings:    Defaults([]model.ExternalAccount{extA, extB}, locals),
		},
		{
			description: "account linked to another external account",
			mappings:    []model.Mapping{{External: extB, Action: model.Associate, LocalAccountID: "3"}},
			expectErr:   "Bank account 3 can't be linked to ****3459: it's missing or already linked to another external account",
		},
		{
			description: "stealing a reconnecting account",
			mappings:    []model.Mapping{{External: extB, Action: model.Associate, LocalAccountID: "1"}},
			expectErr:   "Bank account 1 can't be linked to ****3459: it's missing or already linked to another external account",
		},
		{
			description: "same target twice",
			mappings: []model.Mapping{
				{External: extA, Action: model.Associate, LocalAccountID: "2"},
				{External: extB, Action: model.Associate, LocalAccountID: "2"},
			},
			expectErr: "Bank account 2 is chosen for both Current Account and ****3459",
		},
		{
			description: "missing name and target",
			mappings: []model.Mapping{
				{External: extA, Action: model.Associate},
				{External: extB, Action: model.Create, Name: "  "},
			},
			expectErr: "Choose a bank account to link Current Account to\nA name is required to create an account for ****3459",
		},
		{
			description: "duplicate external and unknown action",
			mappings: []model.Mapping{
				{External: extA, Action: model.Create, Name: "A"},
				{External: extA, Action: "delete"},
			},
			expectErr: "External account Current Account is mapped more than once\nUnknown mapping action for Current Account: \"delete\"",
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			err := Validate(tc.mappings, locals)
			if tc.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tc.expectErr)
		})
	}
}

func TestOverride(t *testing.T) {
	m := Default(extB, locals)
	m = Override(m, model.Associate, locals)
	assert.Equal(t, model.Mapping{External: extB, Action: model.Associate, LocalAccountID: "2"}, m)
	m = Override(m, model.Create, locals)
	assert.Equal(t, model.Mapping{External: extB, Action: model.Create, Name: "****3459"}, m)

	m = Override(model.Mapping{External: extB, LocalAccountID: "3"}, model.Associate, locals)
	assert.Equal(t, "2", m.LocalAccountID, "A non-candidate target is replaced")
}

type fakeAccounts struct {
	balances   map[string]string
	failCreate bool
	associated map[string]string
	created    []backend.NewAccount
	calls      []string
}

func (f *fakeAccounts) Balance(ctx context.Context, externalID string) (decimal.Decimal, error) {
	f.calls = append(f.calls, "balance "+externalID)
	amount, ok := f.balances[externalID]
	if !ok {
		return decimal.Zero, errors.Errorf("No balances reported for external account %s", externalID)
	}
	return decimal.RequireFromString(amount), nil
}

func (f *fakeAccounts) AssociateAccount(ctx context.Context, localID, externalID string, balance decimal.Decimal) error {
	f.calls = append(f.calls, "associate "+localID)
	if f.associated == nil {
		f.associated = make(map[string]string)
	}
	f.associated[localID] = externalID + "=" + balance.String()
	return nil
}

func (f *fakeAccounts) CreateAccount(ctx context.Context, account backend.NewAccount) (model.LocalAccount, error) {
	f.calls = append(f.calls, "create "+account.Name)
	if f.failCreate {
		return model.LocalAccount{}, errors.New("Failed to create bank account")
	}
	f.created = append(f.created, account)
	return model.LocalAccount{ID: "new-" + account.ExternalAccountID, ExternalAccountID: account.ExternalAccountID}, nil
}

type fakeRegistrar struct {
	err    error
	grant  model.Grant
	linked []string
	calls  int
}

func (f *fakeRegistrar) Register(ctx context.Context, grant model.Grant, linkedAccountIDs []string) (model.Connection, error) {
	f.calls++
	f.grant = grant
	f.linked = linkedAccountIDs
	if f.err != nil {
		return model.Connection{}, f.err
	}
	return model.Connection{RequisitionID: grant.RequisitionID, InstitutionID: grant.InstitutionID, LinkedAccountIDs: linkedAccountIDs}, nil
}

func TestCommit(t *testing.T) {
	accounts := &fakeAccounts{balances: map[string]string{"ext-a": "100.50", "ext-b": "-20"}}
	registrar := &fakeRegistrar{}
	resolver := NewResolver(accounts, registrar, zaptest.NewLogger(t))
	grant := &model.Grant{RequisitionID: "req-1", InstitutionID: "BANK"}

	result, err := resolver.Commit(context.Background(), grant, Defaults([]model.ExternalAccount{extA, extB}, locals), locals)
	require.NoError(t, err)
	assert.Equal(t, []string{"balance ext-a", "associate 1", "balance ext-b", "create ****3459"}, accounts.calls)
	assert.Equal(t, map[string]string{"1": "ext-a=100.5"}, accounts.associated)
	require.Len(t, accounts.created, 1)
	assert.Equal(t, backend.NewAccount{
		Name:              "****3459",
		Balance:           decimal.RequireFromString("-20"),
		Currency:          "GBP",
		Type:              model.DefaultAccountType,
		ExternalAccountID: "ext-b",
	}, accounts.created[0])

	assert.Equal(t, []string{"ext-a", "ext-b"}, result.LinkedIDs())
	assert.Empty(t, result.Failures)
	assert.Equal(t, *grant, registrar.grant)
	assert.Equal(t, []string{"ext-a", "ext-b"}, registrar.linked)
	require.NotNil(t, result.Connection)
	assert.Equal(t, "req-1", result.Connection.RequisitionID)
}

func TestCommitPartialFailure(t *testing.T) {
	accounts := &fakeAccounts{balances: map[string]string{"ext-a": "1"}}
	registrar := &fakeRegistrar{}
	resolver := NewResolver(accounts, registrar, zaptest.NewLogger(t))

	result, err := resolver.Commit(context.Background(), &model.Grant{RequisitionID: "req-1"}, Defaults([]model.ExternalAccount{extB, extA}, locals), locals)
	require.NoError(t, err)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "ext-b", result.Failures[0].External.ID)
	assert.Equal(t, "No balances reported for external account ext-b", result.Failures[0].Error)
	assert.Equal(t, []string{"ext-a"}, result.LinkedIDs(), "Later mappings still run")
	assert.Equal(t, []string{"ext-a"}, registrar.linked)
}

func TestCommitRegistrarFailureKeepsMappings(t *testing.T) {
	accounts := &fakeAccounts{balances: map[string]string{"ext-a": "1"}}
	registrar := &fakeRegistrar{err: errors.New("Failed to register connection")}
	resolver := NewResolver(accounts, registrar, zaptest.NewLogger(t))

	result, err := resolver.Commit(context.Background(), &model.Grant{RequisitionID: "req-1"}, Defaults([]model.ExternalAccount{extA}, locals), locals)
	require.NoError(t, err)
	assert.Equal(t, "Failed to register connection", result.RegistrationError)
	assert.Nil(t, result.Connection)
	assert.Equal(t, []string{"ext-a"}, result.LinkedIDs())
	assert.Equal(t, map[string]string{"1": "ext-a=1"}, accounts.associated)
}

func TestCommitWithoutGrant(t *testing.T) {
	accounts := &fakeAccounts{balances: map[string]string{"ext-a": "1"}}
	registrar := &fakeRegistrar{}
	resolver := NewResolver(accounts, registrar, zaptest.NewLogger(t))

	_, err := resolver.Commit(context.Background(), nil, Defaults([]model.ExternalAccount{extA}, locals), locals)
	require.NoError(t, err)
	assert.Equal(t, 0, registrar.calls)
}

func TestCommitNothingLinked(t *testing.T) {
	accounts := &fakeAccounts{}
	registrar := &fakeRegistrar{}
	resolver := NewResolver(accounts, registrar, zaptest.NewLogger(t))

	result, err := resolver.Commit(context.Background(), &model.Grant{RequisitionID: "req-1"}, Defaults([]model.ExternalAccount{extA, extB}, locals), locals)
	require.NoError(t, err)
	assert.Len(t, result.Failures, 2)
	assert.Empty(t, result.LinkedIDs())
	assert.Equal(t, 0, registrar.calls, "A connection without linked accounts is never registered")
	assert.Nil(t, result.Connection)
	assert.Empty(t, result.RegistrationError)
}

func TestCommitInvalid(t *testing.T) {
	accounts := &fakeAccounts{}
	resolver := NewResolver(accounts, nil, zaptest.NewLogger(t))
	_, err := resolver.Commit(context.Background(), nil, []model.Mapping{{External: extB, Action: model.Associate, LocalAccountID: "3"}}, locals)
	assert.Error(t, err)
	assert.Empty(t, accounts.calls, "Nothing is written when a mapping is invalid")
}
