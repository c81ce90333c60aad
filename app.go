package main

import (
	"context"
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/johnstarich/sagelink/backend"
	"github.com/johnstarich/sagelink/browser"
	"github.com/johnstarich/sagelink/config"
	"github.com/johnstarich/sagelink/connection"
	"github.com/johnstarich/sagelink/institution"
	"github.com/johnstarich/sagelink/mapping"
	"github.com/johnstarich/sagelink/pipe"
	"github.com/johnstarich/sagelink/plaindb"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/johnstarich/sagelink/server"
	"github.com/johnstarich/sagelink/sqlledger"
	"go.uber.org/zap"
)

// app holds every component built from the configuration
type app struct {
	config config.Config
	logger *zap.Logger
	out    io.Writer

	db           plaindb.DB
	client       *backend.Client
	directory    *institution.Directory
	connections  *connection.Store
	registrar    *connection.Registrar
	monitor      *connection.Monitor
	resolver     *mapping.Resolver
	ledger       reconcile.ReviewLedger
	closeLedger  func() error
	orchestrator *reconcile.Orchestrator
	runner       reconcile.Runner
	opener       *browser.Opener
}

func newApp(conf config.Config, logger *zap.Logger, out io.Writer) (*app, error) {
	var dbOpts []plaindb.DBOpt
	if conf.VersionControl {
		dbOpts = append(dbOpts, plaindb.VersionControl())
	}
	db, err := plaindb.Open(conf.DataDir, dbOpts...)
	if err != nil {
		return nil, err
	}
	a, err := wire(conf, db, logger, out)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func wire(conf config.Config, db plaindb.DB, logger *zap.Logger, out io.Writer) (*app, error) {
	client, err := backend.New(backend.Config{
		BaseURL:           conf.BackendURL,
		Token:             conf.BackendToken,
		RequestsPerSecond: conf.RequestsPerSecond,
	}, logger.Named("backend"))
	if err != nil {
		return nil, err
	}
	connections, err := connection.NewStore(db)
	if err != nil {
		return nil, err
	}
	ledger, closeLedger, err := openLedger(conf, db, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		config:      conf,
		logger:      logger,
		out:         out,
		db:          db,
		client:      client,
		directory:   institution.NewDirectory(client, conf.InstitutionTTL, logger.Named("institutions")),
		connections: connections,
		ledger:      ledger,
		closeLedger: closeLedger,
		opener:      browser.New(browser.Config{ExecPath: conf.ChromePath, Debug: conf.Development, Logger: logger.Named("browser")}),
	}
	a.registrar = connection.NewRegistrar(client, connections, a.directory, conf.Country, logger.Named("connections"))
	a.monitor = connection.NewMonitor(client, connections, conf.ExpirationWindow, logger.Named("monitor"))
	a.resolver = mapping.NewResolver(client, a.registrar, logger.Named("mappings"))
	a.orchestrator, err = reconcile.New(reconcile.Config{
		Source:      client,
		Accounts:    client,
		Ledger:      ledger,
		Concurrency: conf.Concurrency,
		Logger:      logger.Named("import"),
	})
	if err != nil {
		closeLedger()
		return nil, err
	}
	a.runner = a.orchestrator
	if conf.RemoteImport {
		a.runner = reconcile.NewRemote(client, logger.Named("import"))
	}
	return a, nil
}

// openLedger stores transactions in Postgres when a database URL is configured, otherwise next to the rest of the data
func openLedger(conf config.Config, db plaindb.DB, logger *zap.Logger) (reconcile.ReviewLedger, func() error, error) {
	if conf.DatabaseURL != "" {
		store, err := sqlledger.Open(conf.DatabaseURL.Reveal(), logger.Named("ledger"))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	store, err := reconcile.NewStore(db)
	return store, func() error { return nil }, err
}

// Close releases the databases and the browser, if one was started
func (a *app) Close() error {
	return pipe.All{
		a.opener.Close,
		a.closeLedger,
		a.db.Close,
	}.Do()
}

func (a *app) serve(ctx context.Context) error {
	if !a.config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	addr := fmt.Sprintf("0.0.0.0:%d", a.config.Port)
	origin := a.config.AppOrigin
	if origin == "" {
		origin = fmt.Sprintf("http://localhost:%d", a.config.Port)
	}
	err := server.Run(ctx, addr, server.Config{
		Institutions: a.directory,
		Backend:      a.client,
		Resolver:     a.resolver,
		Runner:       a.runner,
		Monitor:      a.monitor,
		Country:      a.config.Country,
		AppOrigin:    origin,
		CallbackURL:  a.config.RedirectURL,
	}, a.logger.Named("server"))
	if err != nil {
		a.logger.Error("Server run failed", zap.Error(err))
	}
	return err
}
