package ercx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public ERCx API endpoint.
	DefaultBaseURL = "https://ercx.runtimeverification.com/api/v1"

	// DefaultTimeout bounds every single HTTP call.
	DefaultTimeout = 30 * time.Second

	// APIKeyHeader carries the user's API key.
	APIKeyHeader = "X-API-KEY"

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 4096
)

// ErrMissingAPIKey is returned before any request when no API key is configured.
var ErrMissingAPIKey = errors.New("no ERCx API key configured, set api.api_key or ERCXOOR_API_API_KEY")

// APIError is returned for non-success HTTP responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ercx api returned status %d", e.StatusCode)
	}

	return fmt.Sprintf("ercx api returned status %d: %s", e.StatusCode, e.Message)
}

// Client talks to the remote evaluation service.
type Client interface {
	// FetchPropertyTests returns the catalog of property tests for a standard.
	FetchPropertyTests(ctx context.Context, standard Standard) ([]PropertyTest, error)

	// CreateReport submits a file for evaluation.
	CreateReport(ctx context.Context, req *CreateReportRequest) (*Report, error)

	// GetReport fetches a report by id, optionally restricting the
	// returned fields.
	GetReport(ctx context.Context, id string, fields ...string) (*Report, error)
}

// ClientConfig configures the HTTP client.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerMinute int
	HTTPClient        *http.Client
}

// Ensure interface compliance.
var _ Client = (*client)(nil)

type client struct {
	log       logrus.FieldLogger
	baseURL   string
	apiKey    string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
}

// NewClient creates a Client. A missing API key is not an error here; it
// surfaces as ErrMissingAPIKey on the first call.
func NewClient(log logrus.FieldLogger, cfg *ClientConfig) Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}

		httpClient = &http.Client{Timeout: timeout}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "ercxoor/dev"
	}

	c := &client{
		log:       log.WithField("component", "ercx-client"),
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    cfg.APIKey,
		userAgent: userAgent,
		http:      httpClient,
	}

	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(
			rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1,
		)
	}

	return c
}

// FetchPropertyTests returns all property tests of a standard.
func (c *client) FetchPropertyTests(
	ctx context.Context, standard Standard,
) ([]PropertyTest, error) {
	q := url.Values{}
	q.Set("standard", string(standard))

	var tests []PropertyTest
	if err := c.do(ctx, http.MethodGet, "/property-tests", q, nil, &tests); err != nil {
		return nil, fmt.Errorf("fetching property tests for %s: %w", standard, err)
	}

	return tests, nil
}

// CreateReport submits a job and returns the initial report state.
func (c *client) CreateReport(
	ctx context.Context, req *CreateReportRequest,
) (*Report, error) {
	var report Report
	if err := c.do(ctx, http.MethodPost, "/reports", nil, req, &report); err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}

	return &report, nil
}

// GetReport fetches the current state of a report.
func (c *client) GetReport(
	ctx context.Context, id string, fields ...string,
) (*Report, error) {
	var q url.Values
	if len(fields) > 0 {
		q = url.Values{}
		q.Set("fields", strings.Join(fields, ","))
	}

	var report Report
	if err := c.do(ctx, http.MethodGet, "/reports/"+url.PathEscape(id), q, nil, &report); err != nil {
		return nil, fmt.Errorf("getting report %s: %w", id, err)
	}

	return &report, nil
}

// do performs one authenticated JSON request.
func (c *client) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body, out any,
) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(APIKeyHeader, c.apiKey)

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("API call completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// newAPIError builds an APIError, preferring a JSON "message" or "error"
// field over the raw body.
func newAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var payload struct {
		Message any    `json:"message"`
		Error   string `json:"error"`
	}

	if json.Unmarshal(data, &payload) == nil {
		switch msg := payload.Message.(type) {
		case string:
			apiErr.Message = msg
		case []any:
			parts := make([]string, 0, len(msg))
			for _, m := range msg {
				parts = append(parts, fmt.Sprint(m))
			}

			apiErr.Message = strings.Join(parts, "; ")
		}

		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}

	return apiErr
}
