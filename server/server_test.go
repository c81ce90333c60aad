package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/johnstarich/sagelink/authorize"
	"github.com/johnstarich/sagelink/backend"
	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/johnstarich/sagelink/mapping"
	"github.com/johnstarich/sagelink/model"
	"github.com/johnstarich/sagelink/reconcile"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const appOrigin = "http://app.test"

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	externalA = model.ExternalAccount{ID: "ext-a", IBAN: "GB33BUKB20201555555555", Name: "Current Account", Currency: "GBP"}
	localOne  = model.LocalAccount{ID: "1", Name: "Everyday", ExternalAccountID: "ext-a"}
	localTwo  = model.LocalAccount{ID: "2", Name: "Cash"}
)

type fakeInstitutions struct {
	err       error
	country   string
	term      string
	refreshed []string
}

func (f *fakeInstitutions) Search(ctx context.Context, country, term string) ([]model.Institution, error) {
	f.country, f.term = country, term
	return []model.Institution{{ID: "BANK", Name: "Bank"}}, f.err
}

func (f *fakeInstitutions) Refresh(country string) {
	f.refreshed = append(f.refreshed, country)
}

func (f *fakeInstitutions) Find(ctx context.Context, country, id string) (model.Institution, error) {
	if id != "BANK" {
		return model.Institution{}, errors.Errorf("Unknown institution: %q", id)
	}
	return model.Institution{ID: id}, nil
}

type fakeBackend struct {
	mu          sync.Mutex
	redirectURL string
	fetched     []string
}

func (f *fakeBackend) StartFlow(ctx context.Context, institutionID, redirectURL string) (backend.Flow, error) {
	f.mu.Lock()
	f.redirectURL = redirectURL
	f.mu.Unlock()
	return backend.Flow{AuthURL: "https://bank.test/authorize", RequisitionID: "req-1"}, nil
}

func (f *fakeBackend) RequisitionAccounts(ctx context.Context, requisitionID string) ([]model.ExternalAccount, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, requisitionID)
	f.mu.Unlock()
	return []model.ExternalAccount{externalA}, nil
}

func (f *fakeBackend) BankAccounts(ctx context.Context) ([]model.LocalAccount, error) {
	return []model.LocalAccount{localOne, localTwo}, nil
}

type fakeCommitter struct {
	grant    *model.Grant
	mappings []model.Mapping
}

func (f *fakeCommitter) Commit(ctx context.Context, grant *model.Grant, mappings []model.Mapping, locals []model.LocalAccount) (mapping.CommitResult, error) {
	f.grant, f.mappings = grant, mappings
	if err := mapping.Validate(mappings, locals); err != nil {
		return mapping.CommitResult{}, err
	}
	result := mapping.CommitResult{}
	for _, m := range mappings {
		result.Linked = append(result.Linked, mapping.Linked{ExternalAccountID: m.External.ID, LocalAccountID: m.LocalAccountID})
	}
	return result, nil
}

type fakeRunner struct {
	summary  model.Summary
	err      error
	localID  string
	options  reconcile.Options
	imported int
	running  bool
}

func (f *fakeRunner) Running() bool {
	return f.running
}

func (f *fakeRunner) ImportAll(ctx context.Context, opts reconcile.Options, progress reconcile.Progress) (model.Summary, error) {
	f.imported++
	f.options = opts
	if progress != nil {
		progress(reconcile.Event{Percent: 100, Step: "Done"})
	}
	return f.summary, f.err
}

func (f *fakeRunner) ImportAccount(ctx context.Context, localID string, opts reconcile.Options, progress reconcile.Progress) (model.Summary, error) {
	f.localID = localID
	f.options = opts
	return f.summary, f.err
}

func (f *fakeRunner) SyncBalances(ctx context.Context, progress reconcile.Progress) (model.Summary, error) {
	return f.summary, f.err
}

type fakeMonitor struct {
	alerts model.Alerts
	err    error
}

func (f *fakeMonitor) Evaluate(ctx context.Context) (model.Alerts, error) {
	return f.alerts, f.err
}

type testServer struct {
	engine       *gin.Engine
	institutions *fakeInstitutions
	backend      *fakeBackend
	committer    *fakeCommitter
	runner       *fakeRunner
	monitor      *fakeMonitor
	cookies      []*http.Cookie
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		institutions: &fakeInstitutions{},
		backend:      &fakeBackend{},
		committer:    &fakeCommitter{},
		runner:       &fakeRunner{summary: model.Summary{Status: model.SummaryCompleted, TotalAccounts: 1, SuccessfulImports: 1}},
		monitor:      &fakeMonitor{},
	}
	engine, err := New(Config{
		Institutions: s.institutions,
		Backend:      s.backend,
		Resolver:     s.committer,
		Runner:       s.runner,
		Monitor:      s.monitor,
		Country:      "GB",
		AppOrigin:    appOrigin,
		PollInterval: 5 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.engine = engine
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	for _, cookie := range s.cookies {
		req.AddCookie(cookie)
	}
	resp := httptest.NewRecorder()
	s.engine.ServeHTTP(resp, req)
	if cookies := resp.Result().Cookies(); len(cookies) > 0 {
		s.cookies = cookies
	}
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body), resp.Body.String())
	return body
}

func (s *testServer) sessionID(t *testing.T) string {
	for _, cookie := range s.cookies {
		if cookie.Name == sessionCookieName {
			return cookie.Value
		}
	}
	t.Fatal("No session cookie set")
	return ""
}

func (s *testServer) waitForOutcome(t *testing.T) map[string]interface{} {
	var status map[string]interface{}
	require.Eventually(t, func() bool {
		resp := s.do(t, http.MethodGet, "/api/v1/connect", nil)
		if resp.Code != http.StatusOK {
			return false
		}
		status = decode(t, resp)
		_, done := status["Result"]
		return done
	}, 2*time.Second, 10*time.Millisecond)
	return status
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{}, zaptest.NewLogger(t))
	assert.EqualError(t, err, "Server requires institutions, backend, resolver, runner, and monitor")
}

func TestConnectFlow(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/v1/connect", map[string]string{"InstitutionID": "BANK"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	assert.Equal(t, "https://bank.test/authorize", decode(t, resp)["AuthURL"])
	session := s.sessionID(t)
	s.backend.mu.Lock()
	assert.Equal(t, appOrigin+"/connect/callback?session="+session, s.backend.redirectURL)
	s.backend.mu.Unlock()

	resp = s.do(t, http.MethodGet, "/connect/callback?session="+session+"&ref=req-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"SUCCESS"`)
	assert.Contains(t, resp.Body.String(), session)

	resp = s.do(t, http.MethodPost, "/api/v1/connect/messages?session="+session,
		map[string]interface{}{"type": "SUCCESS", "data": map[string]string{"requisitionId": "req-1"}},
		"Origin", appOrigin)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	assert.Equal(t, []string{"req-1"}, s.backend.fetched)

	status := s.waitForOutcome(t)
	assert.Equal(t, "completed", status["Result"].(map[string]interface{})["Outcome"])
	mappings := status["Mappings"].([]interface{})
	require.Len(t, mappings, 1)
	assert.Equal(t, "associate", mappings[0].(map[string]interface{})["Action"])
	assert.Equal(t, "1", mappings[0].(map[string]interface{})["LocalAccountID"], "Reconnecting relinks the same account")

	resp = s.do(t, http.MethodPost, "/api/v1/mappings", map[string]interface{}{
		"Mappings": []model.Mapping{{External: externalA, Action: model.Associate, LocalAccountID: "1"}},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, &model.Grant{RequisitionID: "req-1", InstitutionID: "BANK"}, s.committer.grant)
	assert.Equal(t, 1, s.runner.imported, "Linking runs the initial import")
	assert.NotNil(t, decode(t, resp)["Summary"])

	resp = s.do(t, http.MethodPost, "/api/v1/mappings", map[string]interface{}{
		"Mappings": []model.Mapping{{External: externalA, Action: model.Associate, LocalAccountID: "1"}},
	})
	assert.Equal(t, http.StatusConflict, resp.Code, "A grant is only used once")
}

func TestConnectIgnoresForeignOrigin(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/connect", map[string]string{"InstitutionID": "BANK"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	session := s.sessionID(t)

	resp = s.do(t, http.MethodPost, "/api/v1/connect/messages?session="+session,
		map[string]interface{}{"type": "SUCCESS", "data": map[string]string{"requisitionId": "req-1"}},
		"Origin", "http://evil.test")
	assert.Equal(t, http.StatusForbidden, resp.Code, "Cross-origin requests are refused outright")
	assert.Empty(t, s.backend.fetched)

	require.Eventually(t, func() bool {
		status := decode(t, s.do(t, http.MethodGet, "/api/v1/connect", nil))
		return status["State"] == "awaiting_authorization"
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	status := decode(t, s.do(t, http.MethodGet, "/api/v1/connect", nil))
	assert.Equal(t, "awaiting_authorization", status["State"])
	assert.Nil(t, status["Result"])

	resp = s.do(t, http.MethodPost, "/api/v1/connect/window", map[string]bool{"Closed": true})
	require.Equal(t, http.StatusNoContent, resp.Code, resp.Body.String())
	status = s.waitForOutcome(t)
	result := status["Result"].(map[string]interface{})
	assert.Equal(t, "cancelled", result["Outcome"])
	assert.Equal(t, "The authorization window was closed", result["Error"])
}

func TestConnectCancel(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodDelete, "/api/v1/connect", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/connect", map[string]string{"InstitutionID": "BANK"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	resp = s.do(t, http.MethodDelete, "/api/v1/connect", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	status := s.waitForOutcome(t)
	assert.Equal(t, "cancelled", status["Result"].(map[string]interface{})["Outcome"])

	resp = s.do(t, http.MethodPost, "/api/v1/mappings", map[string]interface{}{
		"Mappings": []model.Mapping{{External: externalA, Action: model.Associate, LocalAccountID: "1"}},
	})
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestConnectUnknownInstitution(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/connect", map[string]string{"InstitutionID": "NOPE"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, `Unknown institution: "NOPE"`, decode(t, resp)["Error"])
}

func TestPostMessageWithoutSession(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/connect/messages?session=missing",
		map[string]interface{}{"type": "CANCELLED"}, "Origin", appOrigin)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/connect/messages?session=missing",
		map[string]interface{}{"type": "BOGUS"}, "Origin", appOrigin)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestCallbackMessage(t *testing.T) {
	for _, tc := range []struct {
		description string
		ref         string
		errorCode   string
		details     string
		expect      authorize.Message
	}{
		{
			description: "success",
			ref:         "req-1",
			expect:      authorize.Message{Type: authorize.MessageSuccess, Data: authorize.MessageData{RequisitionID: "req-1"}},
		},
		{
			description: "user cancelled",
			ref:         "req-1",
			errorCode:   "UserCancelledSession",
			expect:      authorize.Message{Type: authorize.MessageCancelled},
		},
		{
			description: "bank error with details",
			ref:         "req-1",
			errorCode:   "ConsentError",
			details:     "Consent was rejected",
			expect:      authorize.Message{Type: authorize.MessageError, Data: authorize.MessageData{RequisitionID: "req-1", Error: "Consent was rejected"}},
		},
		{
			description: "bank error",
			errorCode:   "ConsentError",
			expect:      authorize.Message{Type: authorize.MessageError, Data: authorize.MessageData{Error: "ConsentError"}},
		},
		{
			description: "missing reference",
			expect:      authorize.Message{Type: authorize.MessageError, Data: authorize.MessageData{Error: "The bank didn't return an authorization reference"}},
		},
	} {
		t.Run(tc.description, func(t *testing.T) {
			assert.Equal(t, tc.expect, callbackMessage(tc.ref, tc.errorCode, tc.details))
		})
	}
}

func TestInstitutions(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/api/v1/institutions?search=visa", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "GB", s.institutions.country)
	assert.Equal(t, "visa", s.institutions.term)

	s.institutions.err = sErrors.NewRetryable(errors.New("Unable to load institutions. Try again"))
	resp = s.do(t, http.MethodGet, "/api/v1/institutions?country=fr", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "fr", s.institutions.country)
	assert.Empty(t, s.institutions.refreshed)

	s.institutions.err = nil
	resp = s.do(t, http.MethodGet, "/api/v1/institutions?country=fr&refresh=true", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []string{"fr"}, s.institutions.refreshed)
}

func TestImports(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/v1/import", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "Imported 1 of 1 accounts: 0 new transactions, 0 duplicates skipped, 0 pending duplicates for review, 0 balances synchronized", decode(t, resp)["Message"])

	resp = s.do(t, http.MethodGet, "/api/v1/import/progress", nil)
	assert.Equal(t, map[string]interface{}{"Percent": 100.0, "Step": "Done", "Running": false}, decode(t, resp))

	s.runner.running = true
	resp = s.do(t, http.MethodGet, "/api/v1/import/progress", nil)
	assert.Equal(t, true, decode(t, resp)["Running"])

	resp = s.do(t, http.MethodPost, "/api/v1/import/7", map[string]interface{}{"SkipDuplicateCheck": true, "DateFrom": "2024-01-01"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "7", s.runner.localID)
	assert.True(t, s.runner.options.SkipDuplicateCheck)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), s.runner.options.DateFrom)

	resp = s.do(t, http.MethodPost, "/api/v1/import", map[string]string{"DateFrom": "2024-02-01", "DateTo": "2024-01-01"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	s.runner.err = reconcile.ErrRunning
	resp = s.do(t, http.MethodPost, "/api/v1/sync-balances", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestAlerts(t *testing.T) {
	s := newTestServer(t)
	s.monitor.alerts = model.Alerts{
		"ext-a": {Status: model.StatusExpiringSoon, DaysUntilExpiration: 3, RequisitionID: "req-1", InstitutionID: "MONZO"},
		"ext-b": {Status: model.StatusOK, RequisitionID: "req-2", InstitutionID: "BARCLAYS"},
	}
	s.monitor.err = errors.New("Failed to fetch connection status")
	resp := s.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, "Failed to fetch connection status", body["Error"])
	assert.Contains(t, body["Alerts"], "ext-a")
	require.Len(t, body["Reconnect"], 1, "Only connections near expiration are offered a reconnect")
	reconnect := body["Reconnect"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "MONZO", reconnect["InstitutionID"])
	assert.Equal(t, "req-1", reconnect["RequisitionID"])

	s.monitor.alerts = nil
	resp = s.do(t, http.MethodGet, "/api/v1/alerts", nil)
	assert.Equal(t, http.StatusBadGateway, resp.Code)
}

func TestVersion(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/api/v1/version", nil)
	assert.Equal(t, map[string]interface{}{"Version": "dev"}, decode(t, resp))
}

func TestRecovery(t *testing.T) {
	engine := newEngine(zaptest.NewLogger(t))
	engine.GET("/panic", func(c *gin.Context) { panic("boom") })
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.True(t, strings.Contains(resp.Body.String(), "Internal server error"))
}

func TestCallbackServer(t *testing.T) {
	hub := authorize.NewHub()
	channel := hub.Channel("local")
	engine := NewCallbackServer(hub, &fakeBackend{}, "http://127.0.0.1:8123", zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodPost, messagesPath+"?session=local", strings.NewReader(`{"type":"SUCCESS","data":{"requisitionId":"req-1"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://127.0.0.1:8123")
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	msg := <-channel.Messages()
	assert.Equal(t, authorize.MessageSuccess, msg.Type)
	assert.Equal(t, "http://127.0.0.1:8123", msg.Origin)
	assert.Equal(t, []model.ExternalAccount{externalA}, msg.Data.Accounts)
}

func TestCallbackServerChannelFull(t *testing.T) {
	hub := authorize.NewHub()
	hub.Channel("local")
	engine := NewCallbackServer(hub, &fakeBackend{}, "http://127.0.0.1:8123", zaptest.NewLogger(t))
	post := func(session string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, messagesPath+"?session="+session, strings.NewReader(`{"type":"CANCELLED"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "http://127.0.0.1:8123")
		resp := httptest.NewRecorder()
		engine.ServeHTTP(resp, req)
		return resp
	}

	for i := 0; i < 8; i++ {
		require.Equal(t, http.StatusAccepted, post("local").Code)
	}
	resp := post("local")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code, "A full channel is temporary")
	assert.Contains(t, resp.Body.String(), "Message channel is full")
	assert.Equal(t, http.StatusNotFound, post("missing").Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	engine := NewCallbackServer(authorize.NewHub(), &fakeBackend{}, "http://127.0.0.1", zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, &http.Server{Handler: engine}, listener, zaptest.NewLogger(t))
	}()

	resp, err := http.Get("http://" + listener.Addr().String() + CallbackPath + "?ref=req-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not shut down")
	}
}
