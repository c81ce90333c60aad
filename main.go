package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/johnstarich/sagelink/config"
	"github.com/johnstarich/sagelink/consts"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const envFile = ".env"

const commandUsage = `
Commands:
  institutions [search term]               List institutions in -country
  link <institution ID>                    Authorize a bank and link its accounts
  import [-from DATE] [-to DATE] [bank account ID]
                                           Import transactions for one or all connected accounts
  import-file <bank account ID> <statement.ofx> [statement account ID]
                                           Import transactions from an OFX or QFX statement
  sync-balances                            Update balances of connected accounts
  alerts                                   Show connections that are expired or expiring soon
  resolve <pending duplicate ID> <accept|reject>
                                           Keep or discard a possible duplicate
`

func usage(flagSet *flag.FlagSet) string {
	oldOutput := flagSet.Output()
	buf := bytes.NewBuffer(nil)
	flagSet.SetOutput(buf)
	flagSet.Usage()
	flagSet.SetOutput(oldOutput)
	return buf.String()
}

// requireFlags checks every "Required: " flag has a value, either set on the command line or loaded from the environment
func requireFlags(flagSet *flag.FlagSet) error {
	var missingFlags []string
	flagSet.VisitAll(func(f *flag.Flag) {
		if strings.HasPrefix(f.Usage, "Required: ") && f.Value.String() == "" {
			missingFlags = append(missingFlags, f.Name)
		}
	})
	if len(missingFlags) > 0 {
		return errors.Errorf("Missing required flags: %s", missingFlags)
	}
	return nil
}

func parseFlags(args []string) (conf config.Config, flagSet *flag.FlagSet, printVersion bool, err error) {
	conf, err = config.LoadEnv(envFile)
	if err != nil {
		return conf, nil, false, err
	}
	flagSet = flag.NewFlagSet("sagelink", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	conf.RegisterFlags(flagSet)
	flagSet.BoolVar(&printVersion, "version", false, "Print the version and exit")
	defaultUsage := flagSet.Usage
	flagSet.Usage = func() {
		defaultUsage()
		fmt.Fprint(flagSet.Output(), commandUsage)
	}
	err = flagSet.Parse(args)
	return conf, flagSet, printVersion, err
}

func handleErrors(ctx context.Context, args []string, out io.Writer) (usageErr bool, err error) {
	conf, flagSet, printVersion, err := parseFlags(args)
	if err != nil {
		if flagSet != nil {
			return true, errors.Errorf("%s\n%s", err.Error(), usage(flagSet))
		}
		return true, err
	}
	if printVersion {
		fmt.Fprintln(out, consts.Version)
		return false, nil
	}
	if err := requireFlags(flagSet); err != nil {
		return true, errors.Errorf("%s\n%s", err.Error(), usage(flagSet))
	}
	if err := conf.Validate(); err != nil {
		return true, errors.Errorf("%s\n%s", err.Error(), usage(flagSet))
	}
	if !conf.Server && flagSet.NArg() == 0 {
		return true, errors.Errorf("A command or -server is required\n%s", usage(flagSet))
	}

	logger, err := conf.Logger()
	if err != nil {
		return false, err
	}
	defer logger.Sync() // nolint:errcheck
	logger.Info("Starting sagelink", append(conf.LogFields(), zap.String("version", consts.Version))...)

	a, err := newApp(conf, logger, out)
	if err != nil {
		return false, err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Error("Shutdown failed", zap.Error(closeErr))
			if err == nil {
				err = closeErr
			}
		}
	}()

	if conf.Server {
		return false, a.serve(ctx)
	}
	return runCommand(ctx, a, flagSet.Args())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	usageErr, err := handleErrors(ctx, os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if usageErr {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
