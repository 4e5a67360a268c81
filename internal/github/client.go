package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"epicflow/internal/signals"
	"epicflow/internal/telemetry"
)

var tracer = otel.Tracer("epicflow/github")

func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    DefaultAPIEndpoint,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		MaxRetries: DefaultMaxRetries,
	}
}

func (c *Client) WithBaseURL(baseURL string) *Client {
	cp := *c
	cp.BaseURL = strings.TrimRight(baseURL, "/")
	return &cp
}

func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.HTTPClient = hc
	return &cp
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) baseURL() string {
	if c.BaseURL == "" {
		return DefaultAPIEndpoint
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = RetryDelay
	if c.RetryDelay > 0 {
		bo.InitialInterval = c.RetryDelay
	}
	bo.MaxElapsedTime = 0
	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

func (c *Client) repoURL(owner, repo, path string, params url.Values) string {
	u := c.baseURL() + "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

type rateLimitError struct{ status int }

func (e rateLimitError) Error() string { return fmt.Sprintf("rate limited (status %d)", e.status) }

func isRateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")
}

// do sends one request, retrying rate limits and transport errors with
// exponential backoff. A 404 maps to ErrNotFound.
func (c *Client) do(ctx context.Context, method, urlStr string, body any) (respBody []byte, headers http.Header, err error) {
	ctx, span := tracer.Start(ctx, "github "+method, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", urlStr),
	))
	defer func() { telemetry.End(span, err) }()

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	attempts := 0
	op := func() error {
		attempts++
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		const maxResponseSize = 50 * 1024 * 1024
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return err
		}
		if isRateLimited(resp) {
			return rateLimitError{status: resp.StatusCode}
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: auth failed (status %d)", ErrCollaboratorUnavailable, resp.StatusCode))
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error (status %d)", resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(&APIError{StatusCode: resp.StatusCode, Message: apiMessage(data)})
		}
		respBody, headers = data, resp.Header
		return nil
	}
	err = backoff.Retry(op, c.newBackoff(ctx))
	span.SetAttributes(attribute.Int("github.attempts", attempts))
	if err == nil {
		return respBody, headers, nil
	}
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCollaboratorUnavailable), errors.As(err, &apiErr):
		return nil, nil, err
	case ctx.Err() != nil:
		return nil, nil, ctx.Err()
	}
	return nil, nil, fmt.Errorf("%w: %s %s after %d attempts: %v", ErrCollaboratorUnavailable, method, urlStr, attempts, err)
}

func apiMessage(data []byte) string {
	var m struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &m) == nil && m.Message != "" {
		return m.Message
	}
	return strings.TrimSpace(string(data))
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

func nextPage(h http.Header) (string, bool) {
	m := linkNextPattern.FindStringSubmatch(h.Get("Link"))
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// paginate follows Link rel="next" headers, handing each page to fn.
func (c *Client) paginate(ctx context.Context, first string, fn func([]byte) error) error {
	next := first
	for page := 1; ; page++ {
		if page > MaxPages {
			return fmt.Errorf("pagination limit exceeded: stopped after %d pages", MaxPages)
		}
		data, headers, err := c.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
		u, ok := nextPage(headers)
		if !ok {
			return nil
		}
		next = u
	}
}

func pageParams(extra map[string]string) url.Values {
	v := url.Values{"per_page": {strconv.Itoa(MaxPageSize)}}
	for k, val := range extra {
		v.Set(k, val)
	}
	return v
}

// ListIssues returns open and closed issues. Pull requests, which the issues
// endpoint also returns, are skipped.
func (c *Client) ListIssues(ctx context.Context, owner, repo string) ([]signals.Issue, error) {
	var out []signals.Issue
	err := c.paginate(ctx, c.repoURL(owner, repo, "/issues", pageParams(map[string]string{"state": "all"})), func(data []byte) error {
		var page []issuePayload
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("parse issues: %w", err)
		}
		for _, p := range page {
			if p.PullRequest == nil {
				out = append(out, p.toSignal())
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list issues %s/%s: %w", owner, repo, err)
	}
	return out, nil
}

func (c *Client) ListPullRequests(ctx context.Context, owner, repo string) ([]signals.PullRequest, error) {
	var out []signals.PullRequest
	err := c.paginate(ctx, c.repoURL(owner, repo, "/pulls", pageParams(map[string]string{"state": "all"})), func(data []byte) error {
		var page []pullPayload
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("parse pull requests: %w", err)
		}
		for _, p := range page {
			out = append(out, p.toSignal())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pull requests %s/%s: %w", owner, repo, err)
	}
	return out, nil
}

func (c *Client) GetCheckRuns(ctx context.Context, owner, repo, sha string) ([]signals.CheckRun, error) {
	if sha == "" {
		return nil, nil
	}
	var out []signals.CheckRun
	err := c.paginate(ctx, c.repoURL(owner, repo, "/commits/"+url.PathEscape(sha)+"/check-runs", pageParams(nil)), func(data []byte) error {
		var page checkRunsPayload
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("parse check runs: %w", err)
		}
		for _, r := range page.CheckRuns {
			out = append(out, signals.CheckRun{Name: r.Name, Status: r.Status, Conclusion: r.Conclusion})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check runs %s/%s@%s: %w", owner, repo, sha, err)
	}
	return out, nil
}

func contentsPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/contents/" + strings.Join(parts, "/")
}

// ReadFile returns ErrNotFound when path does not exist at ref.
func (c *Client) ReadFile(ctx context.Context, owner, repo, path, ref string) (File, error) {
	var params url.Values
	if ref != "" {
		params = url.Values{"ref": {ref}}
	}
	data, _, err := c.do(ctx, http.MethodGet, c.repoURL(owner, repo, contentsPath(path), params), nil)
	if err != nil {
		return File{}, err
	}
	var p contentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return File{}, fmt.Errorf("parse contents: %w", err)
	}
	if p.Type != "file" {
		return File{}, fmt.Errorf("%s is a %s, not a file", path, p.Type)
	}
	content := []byte(p.Content)
	if p.Encoding == "base64" {
		content, err = base64.StdEncoding.DecodeString(strings.ReplaceAll(p.Content, "\n", ""))
		if err != nil {
			return File{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return File{Path: p.Path, SHA: p.SHA, Content: content}, nil
}

// WriteFile creates or replaces path and returns the new blob SHA.
// expectedSHA must be the current SHA when replacing an existing file.
func (c *Client) WriteFile(ctx context.Context, owner, repo, path string, content []byte, message, expectedSHA string) (string, error) {
	if message == "" {
		message = "Update " + path
	}
	req := writeFileRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     expectedSHA,
	}
	data, _, err := c.do(ctx, http.MethodPut, c.repoURL(owner, repo, contentsPath(path), nil), req)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	var resp writeFileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse write response: %w", err)
	}
	return resp.Content.SHA, nil
}

// ListDirectory returns an empty listing when path does not exist.
func (c *Client) ListDirectory(ctx context.Context, owner, repo, path string) ([]DirEntry, error) {
	data, _, err := c.do(ctx, http.MethodGet, c.repoURL(owner, repo, contentsPath(path), nil), nil)
	if errors.Is(err, ErrNotFound) {
		return []DirEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []DirEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%s is not a directory: %w", path, err)
	}
	return entries, nil
}

// Ping checks that the API answers with the configured token.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _, err := c.do(ctx, http.MethodGet, c.baseURL()+"/rate_limit", nil)
	return err
}
