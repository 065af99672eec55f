// Package commits resolves the newest commit SHA of a repository branch through
// the GitHub list-commits API.
package commits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultTimeout     = 30 * time.Second
)

// Options configures a Client. Zero values select the defaults above.
type Options struct {
	// Token authenticates requests. Unauthenticated clients get a much lower
	// GitHub rate limit.
	Token string

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// RequestsPerMinute paces outbound requests; zero means unlimited.
	RequestsPerMinute int

	// HTTPClient overrides the transport (tests). Token is ignored when set.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client fetches commit lists with bounded retry.
type Client struct {
	gh          *github.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a commit client.
func NewClient(opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(opts.Token, opts.Timeout)
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1)
	}

	return &Client{
		gh:          github.NewClient(httpClient),
		limiter:     limiter,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		sleep:       sleepContext,
	}
}

// newHTTPClient returns an oauth2-authenticated client when a token is set.
func newHTTPClient(token string, timeout time.Duration) *http.Client {
	base := &http.Client{Timeout: timeout}
	if token == "" {
		return base
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return oauth2.NewClient(ctx, ts)
}

// GetCommits returns the commits the API reports for the branch, newest first.
// A single commit object (what GitHub returns for commits/<branch>) is treated
// as a one-element list. An empty list is a valid answer and is not retried.
func (c *Client) GetCommits(ctx context.Context, repository, branch string) ([]*github.RepositoryCommit, error) {
	url := Query{Repository: repository, Branch: branch}.URL()

	body, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	return parseCommits(body)
}

// GetLatestCommit returns the sha of the newest commit on the branch.
func (c *Client) GetLatestCommit(ctx context.Context, repository, branch string) (string, error) {
	commits, err := c.GetCommits(ctx, repository, branch)
	if err != nil {
		return "", err
	}

	if len(commits) == 0 || commits[0].GetSHA() == "" {
		return "", fmt.Errorf("%w: no sha for %s@%s", ErrMalformedResponse, repository, branch)
	}

	return commits[0].GetSHA(), nil
}

// fetch GETs url, retrying transient failures with capped exponential backoff.
// Cancellation of ctx stops the loop immediately.
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoff(attempt - 1)
			c.logger.Debug("retrying commit request",
				"url", url,
				"attempt", attempt,
				"backoff", backoff,
			)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		body, err := c.fetchOnce(ctx, url)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		c.logger.Warn("commit request failed",
			"url", url,
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"error", err,
		)
	}

	return nil, &TransientError{URL: url, Attempts: c.maxAttempts, Err: lastErr}
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := c.gh.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Do reports non-2xx answers as *github.ErrorResponse (or a rate limit
	// error) and copies the body into buf otherwise.
	var buf bytes.Buffer
	if _, err := c.gh.Do(ctx, req, &buf); err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(buf.Bytes())) == 0 {
		return nil, errEmptyBody
	}

	return buf.Bytes(), nil
}

// backoff returns the wait before retry n (1-based): base * 2^(n-1), capped at
// maxDelay, with jitter over its upper half.
func (c *Client) backoff(n int) time.Duration {
	d := c.maxDelay
	if n <= 30 {
		if exp := c.baseDelay << (n - 1); exp > 0 && exp < c.maxDelay {
			d = exp
		}
	}

	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}

func parseCommits(body []byte) ([]*github.RepositoryCommit, error) {
	trimmed := bytes.TrimSpace(body)

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []*github.RepositoryCommit
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return list, nil
	}

	var single github.RepositoryCommit
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return []*github.RepositoryCommit{&single}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
