package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/johnstarich/sagelink/authorize"
	"github.com/johnstarich/sagelink/mapping"
	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// openTimeout bounds how long starting a connection waits for the authorization URL
const openTimeout = 30 * time.Second

var (
	errNoSession     = errors.New("No authorization in progress. Choose a bank to connect first")
	errNoGrant       = errors.New("No completed authorization to link accounts for. Connect a bank first")
	errNoMappings    = errors.New("Choose what to do with at least one account")
	errStartTimedOut = errors.New("Timed out waiting for the bank's authorization page. Try again")
)

type connectStatus struct {
	authorize.Status
	Result     *authorize.Result               `json:",omitempty"`
	Mappings   []model.Mapping                 `json:",omitempty"`
	Candidates map[string][]model.LocalAccount `json:",omitempty"`
}

// CallbackURL adds the session to the callback page URL base, so the page reports back to the right session
func CallbackURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "Invalid callback URL")
	}
	query := u.Query()
	query.Set("session", sessionID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func startConnect(store *sessions, institutions Institutions, country string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			InstitutionID string
			Country       string
		}
		if err := c.BindJSON(&body); err != nil {
			abortWithClientError(c, http.StatusBadRequest, err)
			return
		}
		if body.Country == "" {
			body.Country = country
		}
		if _, err := institutions.Find(c, body.Country, body.InstitutionID); err != nil {
			abortWithClientError(c, http.StatusBadRequest, err)
			return
		}

		sess, err := store.GetOrCreate(c)
		if err != nil {
			abortWithClientError(c, http.StatusInternalServerError, err)
			return
		}
		redirect, err := CallbackURL(store.callbackURL, sess.id)
		if err != nil {
			abortWithClientError(c, http.StatusInternalServerError, err)
			return
		}

		run := sess.start(body.InstitutionID, redirect)
		timer := time.NewTimer(openTimeout)
		defer timer.Stop()
		select {
		case <-run.opened:
		case <-run.done:
			if result := sess.lastResult(); result != nil && result.Outcome == authorize.OutcomeFailed {
				abortWithClientError(c, http.StatusBadGateway, errors.New(result.Error))
				return
			}
		case <-timer.C:
			sess.broker.Cancel()
			abortWithClientError(c, http.StatusGatewayTimeout, errStartTimedOut)
			return
		case <-c.Request.Context().Done():
			return
		}
		c.JSON(http.StatusAccepted, connectStatus{Status: sess.broker.Status(), Result: sess.lastResult()})
	}
}

func getConnect(store *sessions, b Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, found := store.Get(c)
		if !found {
			abortWithClientError(c, http.StatusNotFound, errNoSession)
			return
		}
		status := connectStatus{
			Status: sess.broker.Status(),
			Result: sess.lastResult(),
		}
		if status.Result != nil && status.Result.Outcome == authorize.OutcomeCompleted {
			locals, err := b.BankAccounts(c)
			if err != nil {
				abortWithClientError(c, backendStatus(err), err)
				return
			}
			status.Mappings = mapping.Defaults(status.Result.Accounts, locals)
			status.Candidates = make(map[string][]model.LocalAccount, len(status.Result.Accounts))
			for _, external := range status.Result.Accounts {
				status.Candidates[external.ID] = mapping.Candidates(external, locals)
			}
		}
		c.JSON(http.StatusOK, status)
	}
}

func cancelConnect(store *sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, found := store.Get(c)
		if !found {
			abortWithClientError(c, http.StatusNotFound, errNoSession)
			return
		}
		sess.broker.Cancel()
		c.Status(http.StatusNoContent)
	}
}

// reportWindow records the remote UI's authorization window closing, which cancels the attempt if no result arrived first
func reportWindow(store *sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Closed bool
		}
		if err := c.BindJSON(&body); err != nil {
			abortWithClientError(c, http.StatusBadRequest, err)
			return
		}
		sess, found := store.Get(c)
		if !found {
			abortWithClientError(c, http.StatusNotFound, errNoSession)
			return
		}
		if body.Closed && !sess.opener.ReportClosed() {
			abortWithClientError(c, http.StatusConflict, errors.New("No authorization window is open"))
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// postMessage accepts an authorization result from the callback page. Its origin comes from the request, never the body
func postMessage(hub *authorize.Hub, accounts AccountFetcher, origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg authorize.Message
		if err := c.BindJSON(&msg); err != nil {
			abortWithClientError(c, http.StatusBadRequest, err)
			return
		}
		msg.Origin = c.GetHeader("Origin")
		if msg.Type == authorize.MessageSuccess &&
			len(msg.Data.Accounts) == 0 &&
			msg.Data.RequisitionID != "" &&
			authorize.SameOrigin(msg.Origin, origin) {
			externals, err := accounts.RequisitionAccounts(c, msg.Data.RequisitionID)
			if err != nil {
				c.MustGet(loggerKey).(*zap.Logger).Warn("Failed to load authorized accounts", zap.Error(err))
				msg = authorize.Message{
					Type:   authorize.MessageError,
					Origin: msg.Origin,
					Data:   authorize.MessageData{RequisitionID: msg.Data.RequisitionID, Error: errors.Wrap(err, "Failed to load authorized accounts").Error()},
				}
			} else {
				msg.Data.Accounts = externals
			}
		}
		if err := msg.Validate(); err != nil {
			abortWithClientError(c, http.StatusBadRequest, err)
			return
		}
		if err := hub.Publish(sessionID(c), msg); err != nil {
			abortWithClientError(c, publishStatus(err), err)
			return
		}
		c.Status(http.StatusAccepted)
	}
}

// publishStatus is the HTTP status for a failed Publish. A full channel clears once the broker catches up
func publishStatus(err error) int {
	if errors.Is(err, authorize.ErrChannelFull) {
		return http.StatusServiceUnavailable
	}
	return http.StatusNotFound
}

type commitResponse struct {
	mapping.CommitResult
	Summary     *model.Summary `json:",omitempty"`
	ImportError string         `json:",omitempty"`
}

// commitMappings links the authorized accounts, registers the connection, then runs the initial import
func commitMappings(store *sessions, b Backend, resolver Committer, runner reconcile.Runner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			Mappings []model.Mapping
		}
		if err := c.BindJSON(&body); err != nil {
			abortWithClientError(c, http.StatusBadRequest, err)
			return
		}
		if len(body.Mappings) == 0 {
			abortWithClientError(c, http.StatusBadRequest, errNoMappings)
			return
		}
		sess, found := store.Get(c)
		if !found {
			abortWithClientError(c, http.StatusNotFound, errNoSession)
			return
		}
		grant, ok := sess.broker.Grant()
		if !ok {
			abortWithClientError(c, http.StatusConflict, errNoGrant)
			return
		}
		locals, err := b.BankAccounts(c)
		if err != nil {
			abortWithClientError(c, backendStatus(err), err)
			return
		}
		result, err := resolver.Commit(c, &grant, body.Mappings, locals)
		if err != nil {
			abortWithClientError(c, http.StatusBadRequest, err)
			return
		}
		sess.broker.ClearGrant()

		response := commitResponse{CommitResult: result}
		if len(result.Linked) > 0 {
			summary, err := runner.ImportAll(c, reconcile.Options{}, nil)
			if err != nil {
				response.ImportError = err.Error()
			} else {
				response.Summary = &summary
			}
		}
		c.JSON(http.StatusOK, response)
	}
}
