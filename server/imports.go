package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/pkg/errors"
)

// progressTracker keeps the latest progress event of the running import for polling clients
type progressTracker struct {
	mu    sync.Mutex
	event *reconcile.Event
}

func (p *progressTracker) Report(e reconcile.Event) {
	p.mu.Lock()
	p.event = &e
	p.mu.Unlock()
}

func (p *progressTracker) Last() *reconcile.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.event
}

type importRequest struct {
	SkipDuplicateCheck         bool
	CreatePendingForDuplicates bool
	DateFrom                   *jsonDate
	DateTo                     *jsonDate
}

func (r importRequest) options() reconcile.Options {
	opts := reconcile.Options{
		SkipDuplicateCheck:         r.SkipDuplicateCheck,
		CreatePendingForDuplicates: r.CreatePendingForDuplicates,
	}
	if r.DateFrom != nil {
		opts.DateFrom = r.DateFrom.Time
	}
	if r.DateTo != nil {
		opts.DateTo = r.DateTo.Time
	}
	return opts
}

func readImportRequest(c *gin.Context) (importRequest, bool) {
	var req importRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.BindJSON(&req); err != nil {
		abortWithClientError(c, http.StatusBadRequest, err)
		return req, false
	}
	if req.DateFrom != nil && req.DateTo != nil && req.DateFrom.After(req.DateTo.Time) {
		abortWithClientError(c, http.StatusBadRequest, errors.New("DateFrom must not be after DateTo"))
		return req, false
	}
	return req, true
}

func summaryResponse(c *gin.Context, summary model.Summary, err error) {
	switch {
	case err == reconcile.ErrRunning:
		abortWithClientError(c, http.StatusConflict, err)
	case err != nil:
		abortWithClientError(c, http.StatusBadGateway, err)
	default:
		c.JSON(http.StatusOK, map[string]interface{}{
			"Summary": summary,
			"Message": summary.String(),
		})
	}
}

func importAll(runner reconcile.Runner, progress *progressTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := readImportRequest(c)
		if !ok {
			return
		}
		summary, err := runner.ImportAll(c, req.options(), progress.Report)
		summaryResponse(c, summary, err)
	}
}

func importAccount(runner reconcile.Runner, progress *progressTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := readImportRequest(c)
		if !ok {
			return
		}
		summary, err := runner.ImportAccount(c, c.Param("id"), req.options(), progress.Report)
		summaryResponse(c, summary, err)
	}
}

func syncBalances(runner reconcile.Runner, progress *progressTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := runner.SyncBalances(c, progress.Report)
		summaryResponse(c, summary, err)
	}
}

type progressResponse struct {
	*reconcile.Event
	Running bool
}

// getProgress reports whether a run is in progress and the latest event, if any
func getProgress(runner reconcile.Runner, progress *progressTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, progressResponse{
			Event:   progress.Last(),
			Running: runner.Running(),
		})
	}
}

// getAlerts reports connection expirations by external account ID, and the connections to offer reconnecting through POST /connect.
// A partial failure still returns what could be evaluated
func getAlerts(monitor AlertEvaluator) gin.HandlerFunc {
	return func(c *gin.Context) {
		alerts, err := monitor.Evaluate(c)
		if err != nil && len(alerts) == 0 {
			abortWithClientError(c, backendStatus(err), errors.Wrap(err, "Failed to check connection expirations"))
			return
		}
		response := map[string]interface{}{
			"Alerts":    alerts,
			"Reconnect": alerts.Reconnects(),
		}
		if err != nil {
			response["Error"] = err.Error()
		}
		c.JSON(http.StatusOK, response)
	}
}
