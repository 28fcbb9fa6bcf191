// Package github reads files from agent branches of the target
// repository and resolves compare URLs. The orchestrator never writes
// to branches; agents own them.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/arena-ai/internal/core"
)

const (
	defaultRawBaseURL = "https://raw.githubusercontent.com"
	defaultWebBaseURL = "https://github.com"
)

// Client fetches branch files over the raw-content endpoint.
type Client struct {
	rawBaseURL string
	webBaseURL string
	token      string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURLs overrides the raw-content and web endpoints (used by
// tests and GitHub Enterprise setups).
func WithBaseURLs(raw, web string) Option {
	return func(c *Client) {
		c.rawBaseURL = strings.TrimRight(raw, "/")
		c.webBaseURL = strings.TrimRight(web, "/")
	}
}

// WithToken sets an optional token for private repositories.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a branch reader.
func NewClient(opts ...Option) *Client {
	c := &Client{
		rawBaseURL: defaultRawBaseURL,
		webBaseURL: defaultWebBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchFile returns the contents of path on the given branch. A 404 is
// reported as a FILE_MISSING domain error so callers can distinguish
// "agent has not committed yet" from transport failures.
func (c *Client) FetchFile(ctx context.Context, repo, branch, path string) (string, error) {
	u := fmt.Sprintf("%s/%s/%s/%s",
		c.rawBaseURL, repo, url.PathEscape(branch), escapePath(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", core.ErrNetwork(fmt.Sprintf("fetching %s@%s:%s", repo, branch, path)).WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", core.ErrAgent(core.CodeFileMissing,
			fmt.Sprintf("%s not found on %s@%s", path, repo, branch))
	case resp.StatusCode != http.StatusOK:
		return "", core.ErrNetwork(fmt.Sprintf("fetching %s@%s:%s: %s", repo, branch, path, resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", core.ErrNetwork("reading file body").WithCause(err)
	}
	return string(data), nil
}

// CompareURL builds the compare/PR URL for an agent branch.
func (c *Client) CompareURL(repo, base, branch string) string {
	return fmt.Sprintf("%s/%s/compare/%s...%s", c.webBaseURL, repo, base, branch)
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

var _ core.BranchReader = (*Client)(nil)
