package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/ofxfile"
	"github.com/johnstarich/sagelink/prompter"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/pkg/errors"
)

const (
	dateFormat     = "2006-01-02"
	progressBuffer = 64
)

// runCommand runs one CLI command. usageErr is true when the arguments are wrong
func runCommand(ctx context.Context, a *app, args []string) (usageErr bool, err error) {
	command, args := args[0], args[1:]
	switch command {
	case "institutions":
		return false, listInstitutions(ctx, a, strings.Join(args, " "))
	case "link":
		if len(args) != 1 {
			return true, errors.New("Usage: link <institution ID>")
		}
		return false, link(ctx, a, args[0], prompter.New(os.Stdin, a.out))
	case "import":
		opts, args, err := parseImportFlags(args)
		if err != nil {
			return true, err
		}
		if len(args) > 1 {
			return true, errors.New("Usage: import [-from DATE] [-to DATE] [bank account ID]")
		}
		progress, stop := printProgress(os.Stderr)
		var summary model.Summary
		if len(args) == 0 {
			summary, err = a.runner.ImportAll(ctx, opts, progress)
		} else {
			summary, err = a.runner.ImportAccount(ctx, args[0], opts, progress)
		}
		stop()
		return false, printSummary(a.out, summary, err)
	case "import-file":
		opts, args, err := parseImportFlags(args)
		if err != nil {
			return true, err
		}
		if len(args) < 2 || len(args) > 3 {
			return true, errors.New("Usage: import-file <bank account ID> <statement.ofx> [statement account ID]")
		}
		return false, importFile(ctx, a, args, opts)
	case "sync-balances":
		progress, stop := printProgress(os.Stderr)
		summary, err := a.runner.SyncBalances(ctx, progress)
		stop()
		return false, printSummary(a.out, summary, err)
	case "alerts":
		return false, printAlerts(ctx, a)
	case "resolve":
		if len(args) != 2 || (args[1] != "accept" && args[1] != "reject") {
			return true, errors.New("Usage: resolve <pending duplicate ID> <accept|reject>")
		}
		if err := a.ledger.Resolve(args[0], args[1] == "accept"); err != nil {
			return false, err
		}
		fmt.Fprintf(a.out, "Pending duplicate %s %sed\n", args[0], args[1])
		return false, nil
	default:
		return true, errors.Errorf("Unknown command: %q", command)
	}
}

func parseImportFlags(args []string) (reconcile.Options, []string, error) {
	var opts reconcile.Options
	var from, to string
	flagSet := flag.NewFlagSet("import", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&from, "from", "", "First day to import, i.e. 2024-01-31. Defaults to 90 days ago")
	flagSet.StringVar(&to, "to", "", "Last day to import. Defaults to today")
	flagSet.BoolVar(&opts.SkipDuplicateCheck, "skip-duplicate-check", false, "Import every transaction without checking for duplicates")
	flagSet.BoolVar(&opts.CreatePendingForDuplicates, "review-duplicates", false, "Keep possible duplicates for review instead of skipping them")
	if err := flagSet.Parse(args); err != nil {
		return opts, nil, errors.Errorf("%s\n%s", err.Error(), usage(flagSet))
	}
	var err error
	if opts.DateFrom, err = parseDate(from); err != nil {
		return opts, nil, err
	}
	if opts.DateTo, err = parseDate(to); err != nil {
		return opts, nil, err
	}
	return opts, flagSet.Args(), nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateFormat, s)
	return t, errors.Wrapf(err, "Date must be formatted as YYYY-MM-DD: %q", s)
}

// printProgress prints events to w on its own goroutine, dropping any that arrive while it's backed up.
// Call stop once the run returns to flush what's left.
func printProgress(w io.Writer) (progress reconcile.Progress, stop func()) {
	events := make(chan reconcile.Event, progressBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			if event.Log == "" {
				fmt.Fprintf(w, "[%3d%%] %s\n", event.Percent, event.Step)
				continue
			}
			fmt.Fprintf(w, "[%3d%%] %s: %s\n", event.Percent, event.Step, event.Log)
		}
	}()
	return reconcile.ChannelProgress(events), func() {
		close(events)
		<-done
	}
}

func printSummary(w io.Writer, summary model.Summary, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(w, summary.String())
	for _, msg := range summary.Errors {
		fmt.Fprintln(w, "  "+msg)
	}
	if summary.FailedAccounts > 0 {
		return errors.Errorf("%d of %d accounts failed", summary.FailedAccounts, summary.TotalAccounts)
	}
	return nil
}

func listInstitutions(ctx context.Context, a *app, term string) error {
	institutions, err := a.directory.Search(ctx, a.config.Country, term)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tBIC\tACCESS DAYS")
	for _, inst := range institutions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", inst.ID, inst.Name, inst.BIC, int(inst.AccessValidity()/(24*time.Hour)))
	}
	return tw.Flush()
}

func importFile(ctx context.Context, a *app, args []string, opts reconcile.Options) error {
	localID, path := args[0], args[1]
	var statementAccount string
	if len(args) == 3 {
		statementAccount = args[2]
	}
	source, err := ofxfile.Open(path, statementAccount)
	if err != nil {
		return err
	}
	progress, stop := printProgress(os.Stderr)
	summary, err := a.orchestrator.ImportFrom(ctx, localID, source, opts, progress)
	stop()
	return printSummary(a.out, summary, err)
}

func printAlerts(ctx context.Context, a *app) error {
	alerts, evalErr := a.monitor.Evaluate(ctx)
	if evalErr != nil && len(alerts) == 0 {
		return evalErr
	}
	accounts, err := a.client.BankAccounts(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(accounts, func(i, j int) bool {
		return localName(accounts[i]) < localName(accounts[j])
	})
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tINSTITUTION\tSTATUS\tEXPIRES\tDAYS LEFT")
	for _, account := range accounts {
		alert, ok := alerts.For(account)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", localName(account), alert.InstitutionID, alert.Status, alert.ExpiresAt.Format(dateFormat), alert.DaysUntilExpiration)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, alert := range alerts.Reconnects() {
		if alert.Status == model.StatusExpired {
			fmt.Fprintf(a.out, "Connection to %s has expired. Reconnect with: sagelink link %s\n", alert.InstitutionID, alert.InstitutionID)
		} else {
			fmt.Fprintf(a.out, "Connection to %s expires in %d days. Reconnect with: sagelink link %s\n", alert.InstitutionID, alert.DaysUntilExpiration, alert.InstitutionID)
		}
	}
	if evalErr != nil {
		fmt.Fprintln(a.out, "Some connections could not be checked:", evalErr)
	}
	return nil
}
