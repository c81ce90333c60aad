// Package server serves the bank connection API and the authorization callback page
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/johnstarich/sagelink/authorize"
	"github.com/johnstarich/sagelink/backend"
	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/johnstarich/sagelink/mapping"
	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	loggerKey = "logger"

	// CallbackPath serves the page the aggregator redirects to after authorization
	CallbackPath = "/connect/callback"
	messagesPath = "/api/v1/connect/messages"

	defaultSessionTTL = 30 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

// Institutions finds institutions available in a country
type Institutions interface {
	Search(ctx context.Context, country, term string) ([]model.Institution, error)
	Find(ctx context.Context, country, id string) (model.Institution, error)
	Refresh(country string)
}

// AccountFetcher loads the external accounts granted by an authorization
type AccountFetcher interface {
	RequisitionAccounts(ctx context.Context, requisitionID string) ([]model.ExternalAccount, error)
}

// Backend is the subset of the backend client used directly by handlers
type Backend interface {
	authorize.FlowStarter
	AccountFetcher
	BankAccounts(ctx context.Context) ([]model.LocalAccount, error)
}

// Committer writes account mappings
type Committer interface {
	Commit(ctx context.Context, grant *model.Grant, mappings []model.Mapping, locals []model.LocalAccount) (mapping.CommitResult, error)
}

// AlertEvaluator reports connection expiration alerts
type AlertEvaluator interface {
	Evaluate(ctx context.Context) (model.Alerts, error)
}

// Config contains everything the API needs
type Config struct {
	Institutions Institutions
	Backend      Backend
	Resolver     Committer
	Runner       reconcile.Runner
	Monitor      AlertEvaluator

	// Country is used when a request doesn't choose one
	Country string
	// AppOrigin is the origin of the UI, the only origin authorization messages are accepted from
	AppOrigin string
	// CallbackURL is where the aggregator sends the user after authorizing. Defaults to AppOrigin + "/connect/callback"
	CallbackURL string
	// SessionTTL is how long an idle session is kept. Defaults to 30 minutes
	SessionTTL time.Duration
	// PollInterval is how often a session checks its authorization window. Defaults to 1 second
	PollInterval time.Duration
}

func (c Config) validate() error {
	if c.Institutions == nil || c.Backend == nil || c.Resolver == nil || c.Runner == nil || c.Monitor == nil {
		return errors.New("Server requires institutions, backend, resolver, runner, and monitor")
	}
	if c.AppOrigin == "" {
		return errors.New("Server requires an app origin")
	}
	return nil
}

// Run starts the server on addr and blocks until it fails or ctx is cancelled
func Run(ctx context.Context, addr string, config Config, logger *zap.Logger) error {
	engine, err := New(config, logger)
	if err != nil {
		return err
	}
	return Serve(ctx, &http.Server{Addr: addr, Handler: engine}, nil, logger)
}

// Serve runs srv until ctx is cancelled, then waits up to shutdownTimeout for open requests.
// If listener is nil, srv listens on its own Addr
func Serve(ctx context.Context, srv *http.Server, listener net.Listener, logger *zap.Logger) error {
	errs := make(chan error, 1)
	go func() {
		if listener != nil {
			logger.Info("Starting server", zap.String("addr", listener.Addr().String()))
			errs <- srv.Serve(listener)
		} else {
			logger.Info("Starting server", zap.String("addr", srv.Addr))
			errs <- srv.ListenAndServe()
		}
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "Failed to shut down server")
	}
	return nil
}

// New creates the API's gin engine
func New(config Config, logger *zap.Logger) (*gin.Engine, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.CallbackURL == "" {
		config.CallbackURL = config.AppOrigin + CallbackPath
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = defaultSessionTTL
	}

	engine := newEngine(logger)
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{config.AppOrigin},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	hub := authorize.NewHub()
	sessions := newSessions(hub, config, logger)
	engine.GET(CallbackPath, callbackPage)

	api := engine.Group("/api/v1")
	api.GET("/version", getVersion)
	api.GET("/institutions", getInstitutions(config.Institutions, config.Country))

	api.POST("/connect", startConnect(sessions, config.Institutions, config.Country))
	api.GET("/connect", getConnect(sessions, config.Backend))
	api.DELETE("/connect", cancelConnect(sessions))
	api.POST("/connect/window", reportWindow(sessions))
	api.POST("/connect/messages", postMessage(hub, config.Backend, config.AppOrigin))
	api.POST("/mappings", commitMappings(sessions, config.Backend, config.Resolver, config.Runner))

	progress := &progressTracker{}
	api.POST("/import", importAll(config.Runner, progress))
	api.POST("/import/:id", importAccount(config.Runner, progress))
	api.GET("/import/progress", getProgress(config.Runner, progress))
	api.POST("/sync-balances", syncBalances(config.Runner, progress))
	api.GET("/alerts", getAlerts(config.Monitor))
	return engine, nil
}

// NewCallbackServer serves only the authorization callback page and its message endpoint, for local authorization without the full API
func NewCallbackServer(hub *authorize.Hub, accounts AccountFetcher, origin string, logger *zap.Logger) *gin.Engine {
	engine := newEngine(logger)
	engine.GET(CallbackPath, callbackPage)
	engine.POST(messagesPath, postMessage(hub, accounts, origin))
	return engine
}

func newEngine(logger *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(
		ginzap.Ginzap(logger, time.RFC3339, true),
		recovery(logger, true),
		func(c *gin.Context) {
			c.Set(loggerKey, logger)
		},
	)
	return engine
}

func abortWithClientError(c *gin.Context, status int, err error) {
	logger := c.MustGet(loggerKey).(*zap.Logger).WithOptions(zap.AddCallerSkip(1))
	if status/100 == 5 {
		logger.Error("Aborting with server error", zap.Error(err))
	} else {
		logger.Info("Aborting with client error", zap.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, map[string]string{
		"Error": err.Error(),
	})
}

// backendStatus picks the response status for a failed backend call
func backendStatus(err error) int {
	switch {
	case backend.IsNotFound(err):
		return http.StatusNotFound
	case sErrors.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
