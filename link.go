package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/johnstarich/sagelink/authorize"
	"github.com/johnstarich/sagelink/mapping"
	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/prompter"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/johnstarich/sagelink/server"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// linkSession names the only authorization session a CLI process runs
const linkSession = "cli"

// link authorizes an institution in a local browser, asks how each shared account should be mapped, then runs the first import
func link(ctx context.Context, a *app, institutionID string, prompt prompter.Prompter) error {
	inst, err := a.directory.Find(ctx, a.config.Country, institutionID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Opening %s in your browser. Finish signing in there.\n", inst.Name)
	result, err := authorizeLocally(ctx, a, inst.ID)
	if err != nil {
		return err
	}
	switch result.Outcome {
	case authorize.OutcomeCompleted:
	case authorize.OutcomeCancelled:
		if result.Error != "" {
			return errors.Errorf("Authorization cancelled: %s", result.Error)
		}
		return errors.New("Authorization cancelled")
	default:
		return errors.Errorf("Authorization failed: %s", result.Error)
	}
	if len(result.Accounts) == 0 {
		return errors.Errorf("%s didn't share any accounts", inst.Name)
	}

	locals, err := a.client.BankAccounts(ctx)
	if err != nil {
		return err
	}
	mappings, err := chooseMappings(ctx, prompt, result.Accounts, locals)
	if err != nil {
		return err
	}
	commit, err := a.resolver.Commit(ctx, &result.Grant, mappings, locals)
	if err != nil {
		return err
	}
	printCommit(a, commit)
	if len(commit.Linked) == 0 {
		return errors.New("No accounts were linked")
	}

	progress, stop := printProgress(os.Stderr)
	summary, err := a.runner.ImportAll(ctx, reconcile.Options{}, progress)
	stop()
	return printSummary(a.out, summary, err)
}

// authorizeLocally serves the callback page on a loopback port for the duration of one authorization
func authorizeLocally(ctx context.Context, a *app, institutionID string) (authorize.Result, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return authorize.Result{}, errors.Wrap(err, "Failed to start callback server")
	}
	origin := "http://" + listener.Addr().String()
	hub := authorize.NewHub()
	channel := hub.Channel(linkSession)
	defer hub.Remove(linkSession)

	serverCtx, stopServer := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() {
		handler := server.NewCallbackServer(hub, a.client, origin, a.logger.Named("callback"))
		served <- server.Serve(serverCtx, &http.Server{Handler: handler}, listener, a.logger.Named("callback"))
	}()
	defer func() {
		stopServer()
		if err := <-served; err != nil && err != http.ErrServerClosed {
			a.logger.Warn("Callback server failed", zap.Error(err))
		}
	}()

	broker, err := authorize.New(authorize.Config{
		Starter: a.client,
		Opener:  a.opener,
		Channel: channel,
		Origin:  origin,
		Logger:  a.logger.Named("authorize"),
	})
	if err != nil {
		return authorize.Result{}, err
	}
	base := a.config.RedirectURL
	if base == "" {
		base = origin + server.CallbackPath
	}
	redirectURL, err := server.CallbackURL(base, linkSession)
	if err != nil {
		return authorize.Result{}, err
	}
	return broker.Authorize(ctx, institutionID, redirectURL)
}

// chooseMappings asks where each external account should go. The suggested mapping is always the first choice
func chooseMappings(ctx context.Context, prompt prompter.Prompter, externals []model.ExternalAccount, locals []model.LocalAccount) ([]model.Mapping, error) {
	taken := make(map[string]bool)
	mappings := make([]model.Mapping, 0, len(externals))
	for _, external := range externals {
		suggested := mapping.Default(external, locals)
		if suggested.Action == model.Associate && taken[suggested.LocalAccountID] {
			suggested = mapping.Override(suggested, model.Create, locals)
		}
		options := []model.Mapping{suggested}
		if suggested.Action == model.Associate {
			options = append(options, mapping.Override(suggested, model.Create, locals))
		}
		for _, candidate := range mapping.Candidates(external, locals) {
			if taken[candidate.ID] || candidate.ID == suggested.LocalAccountID {
				continue
			}
			options = append(options, model.Mapping{External: external, Action: model.Associate, LocalAccountID: candidate.ID})
		}

		choices := make([]string, 0, len(options))
		for _, option := range options {
			choices = append(choices, describeMapping(option, locals))
		}
		choice, err := prompt.PromptChoice(ctx, fmt.Sprintf("Where should %s go?", external.DisplayName()), choices)
		if err != nil {
			return nil, err
		}
		chosen := options[choice]
		if chosen.Action == model.Create {
			chosen.Name, err = prompt.PromptText(ctx, "Name for the new bank account", chosen.Name)
			if err != nil {
				return nil, err
			}
		} else {
			taken[chosen.LocalAccountID] = true
		}
		mappings = append(mappings, chosen)
	}
	return mappings, nil
}

func describeMapping(m model.Mapping, locals []model.LocalAccount) string {
	if m.Action == model.Create {
		return fmt.Sprintf("Create a new bank account named %q", m.Name)
	}
	for _, local := range locals {
		if local.ID == m.LocalAccountID {
			return fmt.Sprintf("Link to existing bank account %q", localName(local))
		}
	}
	return fmt.Sprintf("Link to existing bank account %s", m.LocalAccountID)
}

func localName(account model.LocalAccount) string {
	if account.Name != "" {
		return account.Name
	}
	return account.ID
}

func printCommit(a *app, commit mapping.CommitResult) {
	for _, linked := range commit.Linked {
		verb := "Linked"
		if linked.Created {
			verb = "Created"
		}
		fmt.Fprintf(a.out, "%s bank account %s for %s with balance %s\n", verb, linked.LocalAccountID, linked.ExternalAccountID, linked.Balance.StringFixed(2))
	}
	for _, failure := range commit.Failures {
		fmt.Fprintf(a.out, "Failed to link %s: %s\n", failure.External.DisplayName(), failure.Error)
	}
	if commit.RegistrationError != "" {
		fmt.Fprintf(a.out, "Accounts are linked, but the connection couldn't be registered: %s\n", commit.RegistrationError)
	}
}
