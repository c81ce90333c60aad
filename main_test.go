package main

import (
	"bytes"
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johnstarich/sagelink/config"
	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/plaindb"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRequireFlags(t *testing.T) {
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	flagSet.String("backend", "", "Required: backend")
	flagSet.String("data", "/from/env", "Required: data")
	flagSet.String("country", "", "country")
	assert.EqualError(t, requireFlags(flagSet), "Missing required flags: [backend]")

	require.NoError(t, flagSet.Parse([]string{"-backend", "http://localhost"}))
	assert.NoError(t, requireFlags(flagSet))
}

func TestHandleErrorsUsage(t *testing.T) {
	for _, tc := range []struct {
		description string
		args        []string
		expectUsage bool
		expectOut   string
		expectErr   string
	}{
		{description: "version", args: []string{"-version"}, expectOut: "dev\n"},
		{description: "unknown flag", args: []string{"-nope"}, expectUsage: true, expectErr: "flag provided but not defined: -nope"},
		{description: "missing required", args: []string{"-backend", "http://localhost"}, expectUsage: true, expectErr: "Missing required flags: [data]"},
		{description: "invalid config", args: []string{"-backend", "ftp://x", "-data", "/tmp"}, expectUsage: true, expectErr: "Backend URL must be an absolute http(s) URL"},
		{description: "no command", args: []string{"-backend", "http://localhost", "-data", "/tmp"}, expectUsage: true, expectErr: "A command or -server is required"},
	} {
		t.Run(tc.description, func(t *testing.T) {
			var out bytes.Buffer
			usageErr, err := handleErrors(context.Background(), tc.args, &out)
			assert.Equal(t, tc.expectUsage, usageErr)
			assert.Equal(t, tc.expectOut, out.String())
			if tc.expectErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expectErr)
		})
	}
}

func TestParseImportFlags(t *testing.T) {
	opts, args, err := parseImportFlags([]string{"-from", "2024-01-01", "-to", "2024-01-31", "-review-duplicates", "42"})
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, args)
	assert.Equal(t, reconcile.Options{
		CreatePendingForDuplicates: true,
		DateFrom:                   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DateTo:                     time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}, opts)

	_, _, err = parseImportFlags([]string{"-from", "01/02/2024"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Date must be formatted as YYYY-MM-DD: "01/02/2024"`)
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	err := printSummary(&out, model.Summary{
		Status:            model.SummaryCompleted,
		TotalAccounts:     2,
		SuccessfulImports: 1,
		FailedAccounts:    1,
		Errors:            []string{"Account Savings: Failed to fetch transactions"},
	}, nil)
	assert.EqualError(t, err, "1 of 2 accounts failed")
	assert.Equal(t, "Imported 1 of 2 accounts (1 failed): 0 new transactions, 0 duplicates skipped, 0 pending duplicates for review, 0 balances synchronized\n  Account Savings: Failed to fetch transactions\n", out.String())

	out.Reset()
	assert.NoError(t, printSummary(&out, model.Summary{Status: model.SummaryNoAccounts}, nil))
	assert.Equal(t, "No connected bank accounts. Connect a bank first.\n", out.String())
}

func TestPrintProgress(t *testing.T) {
	var out bytes.Buffer
	progress, stop := printProgress(&out)
	progress(reconcile.Event{Percent: 50, Step: "Imported Current", Log: "3 new transactions"})
	progress(reconcile.Event{Percent: 100, Step: "Done"})
	stop()
	assert.Equal(t, "[ 50%] Imported Current: 3 new transactions\n[100%] Done\n", out.String())
}

type scriptedPrompter struct {
	choices  []int
	texts    []string
	messages []string
	options  [][]string
}

func (s *scriptedPrompter) PromptChoice(ctx context.Context, message string, choices []string) (int, error) {
	s.messages = append(s.messages, message)
	s.options = append(s.options, choices)
	choice := s.choices[0]
	s.choices = s.choices[1:]
	return choice, nil
}

func (s *scriptedPrompter) PromptText(ctx context.Context, message, defaultText string) (string, error) {
	s.messages = append(s.messages, message)
	if len(s.texts) == 0 {
		return defaultText, nil
	}
	text := s.texts[0]
	s.texts = s.texts[1:]
	return text, nil
}

func TestChooseMappings(t *testing.T) {
	externals := []model.ExternalAccount{
		{ID: "ext-a", Name: "Current Account"},
		{ID: "ext-b", IBAN: "GB94BARC10201530093459"},
		{ID: "ext-c", Name: "Savings"},
	}
	locals := []model.LocalAccount{
		{ID: "1", Name: "Everyday", ExternalAccountID: "ext-a"},
		{ID: "2", Name: "Unlinked"},
	}
	prompt := &scriptedPrompter{choices: []int{0, 1, 0}, texts: []string{"Rainy day"}}

	mappings, err := chooseMappings(context.Background(), prompt, externals, locals)
	require.NoError(t, err)
	assert.Equal(t, []model.Mapping{
		{External: externals[0], Action: model.Associate, LocalAccountID: "1"},
		{External: externals[1], Action: model.Associate, LocalAccountID: "2"},
		{External: externals[2], Action: model.Create, Name: "Rainy day"},
	}, mappings)
	assert.Equal(t, [][]string{
		{`Link to existing bank account "Everyday"`, `Create a new bank account named "Current Account"`, `Link to existing bank account "Unlinked"`},
		{`Create a new bank account named "****3459"`, `Link to existing bank account "Unlinked"`},
		{`Create a new bank account named "Savings"`},
	}, prompt.options, "Accounts already chosen aren't offered again")
	assert.Equal(t, "Where should Current Account go?", prompt.messages[0])
}

func newTestApp(t *testing.T, handler http.Handler) (*app, *bytes.Buffer) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	conf := config.Default()
	conf.BackendURL = srv.URL + "/api"
	conf.DataDir = t.TempDir()
	var out bytes.Buffer
	a, err := wire(conf, plaindb.NewMockDB(plaindb.MockConfig{}), zaptest.NewLogger(t), &out)
	require.NoError(t, err)
	return a, &out
}

func TestInstitutionsCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/institutions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GB", r.URL.Query().Get("country"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": "MONZO_MONZGB2L", "name": "Monzo", "bic": "MONZGB2L", "max_access_valid_for_days": "180"},
			{"id": "BARCLAYS_BARCGB22", "name": "Barclays", "bic": "BARCGB22"}
		]`))
	})
	a, out := newTestApp(t, mux)

	usageErr, err := runCommand(context.Background(), a, []string{"institutions", "monzo"})
	require.NoError(t, err)
	assert.False(t, usageErr)
	assert.Equal(t, "ID              NAME   BIC       ACCESS DAYS\nMONZO_MONZGB2L  Monzo  MONZGB2L  180\n", out.String())
}

func TestAlertsCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/connection-status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"requisitionId": "req-1", "institutionId": "MONZO", "expiresAt": "2020-01-01", "linkedAccountIds": ["ext-a"]}]`))
	})
	mux.HandleFunc("/api/bank-accounts", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": 1, "name": "Everyday", "gocardlessAccountId": "ext-a"}]`))
	})
	a, out := newTestApp(t, mux)

	_, err := runCommand(context.Background(), a, []string{"alerts"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Everyday")
	assert.Contains(t, out.String(), "expired")
	assert.Contains(t, out.String(), "2020-01-01")
	assert.Contains(t, out.String(), "Connection to MONZO has expired. Reconnect with: sagelink link MONZO\n")
}

func TestRunCommandUsage(t *testing.T) {
	a, _ := newTestApp(t, http.NotFoundHandler())
	for _, tc := range []struct {
		description string
		args        []string
		expectErr   string
	}{
		{description: "unknown", args: []string{"nope"}, expectErr: `Unknown command: "nope"`},
		{description: "link without institution", args: []string{"link"}, expectErr: "Usage: link <institution ID>"},
		{description: "import too many accounts", args: []string{"import", "1", "2"}, expectErr: "Usage: import [-from DATE] [-to DATE] [bank account ID]"},
		{description: "import-file without file", args: []string{"import-file", "1"}, expectErr: "Usage: import-file <bank account ID> <statement.ofx> [statement account ID]"},
		{description: "resolve without decision", args: []string{"resolve", "pending-1", "maybe"}, expectErr: "Usage: resolve <pending duplicate ID> <accept|reject>"},
	} {
		t.Run(tc.description, func(t *testing.T) {
			usageErr, err := runCommand(context.Background(), a, tc.args)
			assert.True(t, usageErr)
			assert.EqualError(t, err, tc.expectErr)
		})
	}
}

func TestResolveCommand(t *testing.T) {
	a, out := newTestApp(t, http.NotFoundHandler())
	require.NoError(t, a.ledger.Write(nil, []model.PendingDuplicate{{
		Transaction: model.Transaction{ID: "pending-1", AccountID: "1", Description: "Coffee"},
		DuplicateOf: "txn-1",
	}}))

	usageErr, err := runCommand(context.Background(), a, []string{"resolve", "pending-1", "accept"})
	require.NoError(t, err)
	assert.False(t, usageErr)
	assert.Equal(t, "Pending duplicate pending-1 accepted\n", out.String())
	txns, err := a.ledger.Transactions("1")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "pending-1", txns[0].ID)

	_, err = runCommand(context.Background(), a, []string{"resolve", "pending-1", "reject"})
	assert.EqualError(t, err, "Pending duplicate not found: pending-1")
}

func TestRemoteImportRunner(t *testing.T) {
	conf := config.Default()
	conf.BackendURL = "http://localhost/api"
	conf.RemoteImport = true
	a, err := wire(conf, plaindb.NewMockDB(plaindb.MockConfig{}), zaptest.NewLogger(t), &bytes.Buffer{})
	require.NoError(t, err)
	assert.IsType(t, &reconcile.Remote{}, a.runner)
	assert.NoError(t, a.Close())
}
