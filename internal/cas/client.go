// Package cas implements the HTTP client for the Cloud Agent Service:
// launching agents, posting follow-ups, polling status and
// conversations, with bounded retry on transient failures.
package cas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
	"github.com/hugo-lorenzo-mato/arena-ai/internal/logging"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxRetries  = 5
	defaultPollInitial = 3 * time.Second
	defaultPollMax     = 30 * time.Second
)

// Client talks to the Cloud Agent Service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logging.Logger

	maxRetries  uint64
	pollInitial time.Duration
	pollMax     time.Duration

	// heartbeat receives a short visual pulse while polling in
	// non-verbose mode; structured log lines replace it when verbose.
	heartbeat io.Writer
	verbose   bool
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxRetries bounds retry attempts per request.
func WithMaxRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithPollInterval sets the poll backoff floor and ceiling.
func WithPollInterval(initial, max time.Duration) Option {
	return func(c *Client) {
		c.pollInitial = initial
		c.pollMax = max
	}
}

// WithHeartbeat sets the writer receiving the polling pulse.
func WithHeartbeat(w io.Writer) Option {
	return func(c *Client) { c.heartbeat = w }
}

// WithVerbose switches the heartbeat to structured debug lines.
func WithVerbose(verbose bool) Option {
	return func(c *Client) { c.verbose = verbose }
}

// NewClient creates a CAS client. The token is required; the base URL
// must point at the service root.
func NewClient(baseURL, token string, logger *logging.Logger, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, core.ErrAuth("CAS credential is empty")
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("invalid CAS base URL %q", baseURL))
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		logger:      logger,
		maxRetries:  defaultMaxRetries,
		pollInitial: defaultPollInitial,
		pollMax:     defaultPollMax,
		heartbeat:   io.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type launchRequest struct {
	Prompt     string `json:"prompt"`
	Repo       string `json:"repo"`
	BaseBranch string `json:"base_branch"`
	Model      string `json:"model"`
}

type launchResponse struct {
	ID string `json:"id"`
}

// Launch opens a new agent and returns its identifier.
func (c *Client) Launch(ctx context.Context, opts core.LaunchOptions) (string, error) {
	var resp launchResponse
	err := c.do(ctx, http.MethodPost, "/v1/agents", launchRequest{
		Prompt:     opts.Prompt,
		Repo:       opts.Repo,
		BaseBranch: opts.BaseBranch,
		Model:      opts.Model,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", core.ErrNetwork("CAS returned an empty agent id")
	}
	return resp.ID, nil
}

type followupRequest struct {
	Prompt string `json:"prompt"`
}

// Followup enqueues an additional turn in an existing conversation.
func (c *Client) Followup(ctx context.Context, agentID, prompt string) error {
	path := fmt.Sprintf("/v1/agents/%s/followup", url.PathEscape(agentID))
	return c.do(ctx, http.MethodPost, path, followupRequest{Prompt: prompt}, nil)
}

// Status returns the agent's lifecycle state and, once known, its
// branch name.
func (c *Client) Status(ctx context.Context, agentID string) (core.AgentStatus, error) {
	var status core.AgentStatus
	path := fmt.Sprintf("/v1/agents/%s", url.PathEscape(agentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return core.AgentStatus{}, err
	}
	return status, nil
}

type conversationResponse struct {
	Messages []core.Message `json:"messages"`
}

// Conversation returns the agent's ordered message list.
func (c *Client) Conversation(ctx context.Context, agentID string) ([]core.Message, error) {
	var resp conversationResponse
	path := fmt.Sprintf("/v1/agents/%s/conversation", url.PathEscape(agentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

type modelsResponse struct {
	Models []core.ModelInfo `json:"models"`
}

// ListModels returns the model identifiers the service accepts.
func (c *Client) ListModels(ctx context.Context) ([]core.ModelInfo, error) {
	var resp modelsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/models", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Models, nil
}

type repositoriesResponse struct {
	Repositories []core.RepositoryInfo `json:"repositories"`
}

// ListRepositories returns repositories the credential can reach.
func (c *Client) ListRepositories(ctx context.Context) ([]core.RepositoryInfo, error) {
	var resp repositoriesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/repositories", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Repositories, nil
}

// do performs one request with bounded retry on transient failures:
// network errors, timeouts, 429 and 5xx. Other HTTP errors are
// permanent.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return core.ErrNetwork(fmt.Sprintf("%s %s", method, path)).WithCause(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return core.ErrNetwork("reading response body").WithCause(err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return core.ErrRateLimit(fmt.Sprintf("%s %s", method, path))
		case resp.StatusCode >= 500:
			return core.ErrNetwork(fmt.Sprintf("%s %s: %s", method, path, resp.Status))
		case resp.StatusCode >= 400:
			return backoff.Permanent(core.ErrValidation("CAS_REQUEST_FAILED",
				fmt.Sprintf("%s %s: %s: %s", method, path, resp.Status, truncate(string(data), 200))))
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("parsing %s response: %w", path, err))
			}
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
	if err != nil {
		c.logger.Debug("CAS request failed", "method", method, "path", path, "error", err)
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ core.AgentService = (*Client)(nil)
