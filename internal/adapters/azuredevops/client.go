package azuredevops

import (
	"bytes"
	"context"
	"encoding/base64"
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

	"github.com/oddessentials/ado-git-repo-seeder/internal/logging"
)

const (
	defaultBaseURL = "https://dev.azure.com"
	apiVersion     = "7.1"
	pageSize       = 100
)

// ErrEmptyCommitID is returned when a completion is requested without a
// concrete merge commit id. The request is never sent.
var ErrEmptyCommitID = errors.New("merge commit id is required to complete a pull request")

// APIError is returned for every non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d) %s %s: %s", e.StatusCode, e.Method, e.Path, truncate(e.Body, 300))
}

// StatusCode extracts the HTTP status from err if it wraps an *APIError.
func StatusCode(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

// Client is an Azure DevOps REST client scoped to one organization. Project
// and repository are passed per call so one client serves every configured
// repository.
type Client struct {
	pat          string
	organization string
	baseURL      string
	httpClient   *http.Client
	retry        RetryOptions
	logger       *slog.Logger
}

// NewClient creates a new Azure DevOps client
func NewClient(pat, organization string) *Client {
	return &Client{
		pat:          pat,
		organization: organization,
		baseURL:      defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry:  DefaultRetryOptions(),
		logger: logging.WithComponent("azuredevops"),
	}
}

// NewClientWithConfig creates a new Azure DevOps client from config
func NewClientWithConfig(cfg *Config) *Client {
	c := NewClient(cfg.PAT, cfg.Organization)
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		c.httpClient.Timeout = cfg.Timeout
	}
	if cfg.MaxRetries >= 0 {
		c.retry.MaxRetries = cfg.MaxRetries
	}
	return c
}

// NewClientWithBaseURL creates a client against a custom base URL (for testing)
func NewClientWithBaseURL(pat, organization, baseURL string) *Client {
	c := NewClient(pat, organization)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// SetRetryOptions overrides transport retry behavior.
func (c *Client) SetRetryOptions(opts RetryOptions) {
	c.retry = opts
}

// doRequest performs an HTTP request to the Azure DevOps API, retrying
// rate-limit and server errors.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	opts := c.retry
	opts.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("Retrying Azure DevOps request",
			slog.String("method", method),
			slog.String("path", stripQuery(path)),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
	}

	return WithRetryVoid(ctx, func() error {
		return c.send(ctx, method, path, payload, result)
	}, opts)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, result interface{}) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Azure DevOps uses Basic auth with empty username and PAT as password
	auth := base64.StdEncoding.EncodeToString([]byte(":" + c.pat))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Method:     method,
			Path:       stripQuery(path),
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, convErr := strconv.Atoi(ra); convErr == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

func (c *Client) repoPath(project, repository string) string {
	return fmt.Sprintf("/%s/%s/_apis/git/repositories/%s",
		url.PathEscape(c.organization),
		url.PathEscape(project),
		url.PathEscape(repository),
	)
}

func (c *Client) pullRequestPath(project, repository string, id int) string {
	return fmt.Sprintf("%s/pullrequests/%d?api-version=%s", c.repoPath(project, repository), id, apiVersion)
}

// GetRepository fetches repository metadata, including its clone URL.
func (c *Client) GetRepository(ctx context.Context, project, repository string) (*GitRepo, error) {
	path := fmt.Sprintf("%s?api-version=%s", c.repoPath(project, repository), apiVersion)
	var repo GitRepo
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// GetPullRequest fetches a pull request, including its current merge evaluation.
func (c *Client) GetPullRequest(ctx context.Context, project, repository string, id int) (*PullRequest, error) {
	var pr PullRequest
	if err := c.doRequest(ctx, http.MethodGet, c.pullRequestPath(project, repository, id), nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// CreatePullRequest creates a new pull request
func (c *Client) CreatePullRequest(ctx context.Context, project, repository string, input *PullRequestInput) (*PullRequest, error) {
	path := fmt.Sprintf("%s/pullrequests?api-version=%s", c.repoPath(project, repository), apiVersion)

	reqBody := map[string]interface{}{
		"title":         input.Title,
		"description":   input.Description,
		"sourceRefName": RefName(input.SourceRefName),
		"targetRefName": RefName(input.TargetRefName),
	}
	if input.IsDraft {
		reqBody["isDraft"] = true
	}

	var pr PullRequest
	if err := c.doRequest(ctx, http.MethodPost, path, reqBody, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// CompletePullRequest completes (merges) a pull request at mergeCommitID. The
// commit id must match the source commit the remote last evaluated.
func (c *Client) CompletePullRequest(ctx context.Context, project, repository string, id int, mergeCommitID string, opts CompletionOptions) (*PullRequest, error) {
	if strings.TrimSpace(mergeCommitID) == "" {
		return nil, ErrEmptyCommitID
	}

	reqBody := map[string]interface{}{
		"status": PRStateCompleted,
		"lastMergeSourceCommit": map[string]string{
			"commitId": mergeCommitID,
		},
		"completionOptions": opts,
	}

	var pr PullRequest
	if err := c.doRequest(ctx, http.MethodPatch, c.pullRequestPath(project, repository, id), reqBody, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// AbandonPullRequest abandons (closes without merge) a pull request
func (c *Client) AbandonPullRequest(ctx context.Context, project, repository string, id int) (*PullRequest, error) {
	reqBody := map[string]interface{}{
		"status": PRStateAbandoned,
	}

	var pr PullRequest
	if err := c.doRequest(ctx, http.MethodPatch, c.pullRequestPath(project, repository, id), reqBody, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// PublishDraft marks a draft pull request as ready for review.
func (c *Client) PublishDraft(ctx context.Context, project, repository string, id int) error {
	reqBody := map[string]interface{}{
		"isDraft": false,
	}
	return c.doRequest(ctx, http.MethodPatch, c.pullRequestPath(project, repository, id), reqBody, nil)
}

// ListPullRequests lists pull requests with an optional status filter,
// following $skip pagination until a short page is returned.
func (c *Client) ListPullRequests(ctx context.Context, project, repository, status string) ([]*PullRequest, error) {
	var all []*PullRequest
	for skip := 0; ; skip += pageSize {
		path := fmt.Sprintf("%s/pullrequests?api-version=%s&$top=%d&$skip=%d",
			c.repoPath(project, repository), apiVersion, pageSize, skip)
		if status != "" {
			path += "&searchCriteria.status=" + url.QueryEscape(status)
		}

		var page struct {
			Count int            `json:"count"`
			Value []*PullRequest `json:"value"`
		}
		if err := c.doRequest(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Value...)
		if len(page.Value) < pageSize {
			return all, nil
		}
	}
}

// ListOpenPullRequests lists active pull requests, drafts included.
func (c *Client) ListOpenPullRequests(ctx context.Context, project, repository string) ([]*PullRequest, error) {
	return c.ListPullRequests(ctx, project, repository, PRStateActive)
}

// CountOpenPullRequests returns the number of active pull requests.
func (c *Client) CountOpenPullRequests(ctx context.Context, project, repository string) (int, error) {
	prs, err := c.ListOpenPullRequests(ctx, project, repository)
	if err != nil {
		return 0, err
	}
	return len(prs), nil
}

// PullRequestWebURL constructs the web URL for a pull request
func (c *Client) PullRequestWebURL(project, repository string, id int) string {
	return fmt.Sprintf("%s/%s/%s/_git/%s/pullrequest/%d",
		c.baseURL,
		url.PathEscape(c.organization),
		url.PathEscape(project),
		url.PathEscape(repository),
		id,
	)
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
