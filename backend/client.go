// Package backend is a client for the personal finance backend's REST API.
// The backend fronts the open-banking aggregator and owns the local bank accounts.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	sErrors "github.com/johnstarich/sagelink/errors"
	"github.com/johnstarich/sagelink/redactor"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4096
)

// Config configures a backend Client
type Config struct {
	BaseURL string
	Token   redactor.String
	// RequestsPerSecond limits outgoing requests. Zero means unlimited
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// Client calls the backend's REST API. Safe for concurrent use
type Client struct {
	baseURL    string
	token      redactor.String
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New creates a Client from config
func New(config Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "Backend URL is malformed")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("Backend URL must use http or https: %q", config.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(base.String(), "/") + "/",
		token:      config.Token,
		httpClient: httpClient,
		limiter:    newLimiter(config.RequestsPerSecond, config.Burst),
		logger:     logger,
	}, nil
}

func newLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// StatusError is returned when the backend responds with a non-2xx status code
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (s *StatusError) Error() string {
	msg := fmt.Sprintf("Backend request %s %s failed with status %d", s.Method, s.Path, s.StatusCode)
	if s.Message != "" {
		msg += ": " + s.Message
	}
	return msg
}

// IsNotFound returns true if err is a 404 response from the backend
func IsNotFound(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

func statusCode(err error) int {
	for err != nil {
		if statusErr, ok := err.(*StatusError); ok {
			return statusErr.StatusCode
		}
		causer, ok := err.(interface{ Cause() error })
		if !ok {
			return 0
		}
		err = causer.Cause()
	}
	return 0
}

// pathOf joins escaped path segments, i.e. pathOf("accounts", id, "balances")
func pathOf(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	return strings.Join(escaped, "/")
}

// do sends a JSON request. body and out may be nil
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "Rate limiter wait failed")
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "Failed to encode request body")
		}
		if ce := c.logger.Check(zap.DebugLevel, "Backend request body"); ce != nil {
			ce.Write(zap.String("method", method), zap.String("path", path), zap.ByteString("body", b))
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, reqURL, reqBody)
	if err != nil {
		return errors.Wrap(err, "Failed to create request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token.Reveal())
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sErrors.NewRetryable(errors.Wrapf(err, "Backend request %s %s failed", method, path))
	}
	defer resp.Body.Close()

	respBody, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return sErrors.NewRetryable(errors.Wrap(err, "Failed to read response body"))
	}
	c.logger.Debug("Backend response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	if ce := c.logger.Check(zap.DebugLevel, "Backend response body"); ce != nil {
		ce.Write(zap.ByteString("body", respBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return sErrors.NewRetryable(statusErr)
		}
		return statusErr
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(respBody, out), "Failed to decode response from %s %s", method, path)
}

// errorMessage extracts a human readable message from an error response body
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, msg := range []string{payload.Error, payload.Message, payload.Detail} {
			if msg != "" {
				return msg
			}
		}
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
