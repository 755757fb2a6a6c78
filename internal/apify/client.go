// Package apify is a small client for the Apify v2 REST API: start an actor
// run, wait for it to reach a terminal status, and read its dataset.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Apify API endpoint
	DefaultBaseURL = "https://api.apify.com"

	// DefaultRateLimit is requests per second across all concurrent callers
	DefaultRateLimit = 20

	// maxWaitForFinish is the longest single long-poll the API accepts
	maxWaitForFinish = 60 * time.Second

	// requestTimeout bounds one HTTP round trip, including a long-poll
	requestTimeout = maxWaitForFinish + 30*time.Second

	// DefaultPollInterval is the least time between two status polls of a run
	DefaultPollInterval = time.Second
)

// ErrMalformedResponse is returned when a 2xx response lacks required fields
var ErrMalformedResponse = errors.New("malformed api response")

// Client talks to the job-execution API. It holds no per-call state and is
// safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	pollWait   time.Duration
	pollEvery  time.Duration
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRateLimit sets requests per second. Values <= 0 keep the default.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithLogger sets a logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithPollWait sets how long each status long-poll asks the server to hold
func WithPollWait(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollWait = d
	}
}

// WithPollInterval sets the least time between two status polls
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pollEvery = d
	}
}

// NewClient creates a client authenticated with token
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		limiter:   rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		pollWait:  maxWaitForFinish,
		pollEvery: DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Call starts the actor and blocks until its run reaches a terminal status
// or ctx is done. The run timeout and memory are enforced by the platform.
func (c *Client) Call(ctx context.Context, actorID string, input any, opts CallOptions) (*Run, error) {
	run, err := c.StartRun(ctx, actorID, input, opts)
	if err != nil {
		return nil, err
	}

	return c.WaitForFinish(ctx, run.ID)
}

// StartRun starts an actor run without waiting for it
func (c *Client) StartRun(ctx context.Context, actorID string, input any, opts CallOptions) (*Run, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run input: %w", err)
	}

	params := url.Values{}
	if opts.Timeout > 0 {
		params.Set("timeout", strconv.Itoa(int(opts.Timeout/time.Second)))
	}
	if opts.MemoryMB > 0 {
		params.Set("memory", strconv.Itoa(opts.MemoryMB))
	}

	var envelope struct {
		Data Run `json:"data"`
	}
	path := "/v2/acts/" + url.PathEscape(actorID) + "/runs"
	if err := c.do(ctx, http.MethodPost, path, params, body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to start actor %s: %w", actorID, err)
	}
	if envelope.Data.ID == "" {
		return nil, fmt.Errorf("failed to start actor %s: %w: run id missing", actorID, ErrMalformedResponse)
	}

	c.logger.Debug("Actor run started",
		slog.String("actor_id", actorID),
		slog.String("run_id", envelope.Data.ID),
		slog.String("status", string(envelope.Data.Status)),
	)

	return &envelope.Data, nil
}

// GetRun fetches the current state of a run, asking the server to hold the
// response up to wait for the run to finish
func (c *Client) GetRun(ctx context.Context, runID string, wait time.Duration) (*Run, error) {
	params := url.Values{}
	if wait > 0 {
		params.Set("waitForFinish", strconv.Itoa(int(wait/time.Second)))
	}

	var envelope struct {
		Data Run `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(runID), params, nil, &envelope); err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	if envelope.Data.Status == "" {
		return nil, fmt.Errorf("failed to get run %s: %w: status missing", runID, ErrMalformedResponse)
	}

	return &envelope.Data, nil
}

// WaitForFinish long-polls the run until it is terminal or ctx is done.
// Polls are spaced at least pollEvery apart even when the server answers
// without holding the request.
func (c *Client) WaitForFinish(ctx context.Context, runID string) (*Run, error) {
	for {
		started := time.Now()

		run, err := c.GetRun(ctx, runID, c.pollWait)
		if err != nil {
			return nil, err
		}

		if run.Status.Terminal() {
			return run, nil
		}

		c.logger.Debug("Actor run still in progress",
			slog.String("run_id", runID),
			slog.String("status", string(run.Status)),
		)

		if err := c.pause(ctx, c.pollEvery-time.Since(started)); err != nil {
			return nil, fmt.Errorf("waiting for run %s: %w", runID, err)
		}
	}
}

// pause blocks for d or until ctx is done
func (c *Client) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ListItems returns every item of a dataset in one request
func (c *Client) ListItems(ctx context.Context, datasetID string) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("clean", "true")

	var items []map[string]any
	if err := c.do(ctx, http.MethodGet, "/v2/datasets/"+url.PathEscape(datasetID)+"/items", params, nil, &items); err != nil {
		return nil, fmt.Errorf("failed to list dataset %s: %w", datasetID, err)
	}

	return items, nil
}

// do executes one rate-limited request and decodes a JSON response into out
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, respBody)
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
