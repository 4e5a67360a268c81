// Package github reads issue, pull request, check run and repository content
// signals from the GitHub REST API.
package github

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"epicflow/internal/signals"
)

const (
	DefaultAPIEndpoint = "https://api.github.com"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	// RetryDelay seeds the exponential backoff between rate-limited attempts.
	RetryDelay  = time.Second
	MaxPageSize = 100
	// MaxPages stops runaway pagination on malformed Link headers.
	MaxPages = 100
)

var (
	// ErrCollaboratorUnavailable covers transport, auth, server and
	// rate-limit exhaustion failures.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrNotFound                = errors.New("github: not found")
)

// APIError is a non-retryable error response from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
	// RetryDelay overrides the initial backoff interval; zero uses the package default.
	RetryDelay time.Duration
}

// File is a decoded repository file.
type File struct {
	Path    string
	SHA     string
	Content []byte
}

type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

type label struct {
	Name string `json:"name"`
}

type issuePayload struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Labels      []label   `json:"labels"`
	HTMLURL     string    `json:"html_url"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

func (p issuePayload) toSignal() signals.Issue {
	labels := make([]string, 0, len(p.Labels))
	for _, l := range p.Labels {
		labels = append(labels, l.Name)
	}
	return signals.Issue{Number: p.Number, Title: p.Title, State: p.State, Labels: labels, URL: p.HTMLURL}
}

type pullPayload struct {
	Number   int     `json:"number"`
	Title    string  `json:"title"`
	State    string  `json:"state"`
	Draft    bool    `json:"draft"`
	MergedAt *string `json:"merged_at"`
	HTMLURL  string  `json:"html_url"`
	Head     struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

func (p pullPayload) toSignal() signals.PullRequest {
	return signals.PullRequest{
		Number:  p.Number,
		Title:   p.Title,
		State:   p.State,
		Merged:  p.MergedAt != nil && *p.MergedAt != "",
		Draft:   p.Draft,
		HeadSHA: p.Head.SHA,
		URL:     p.HTMLURL,
	}
}

type checkRunsPayload struct {
	TotalCount int `json:"total_count"`
	CheckRuns  []struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_runs"`
}

type contentPayload struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type writeFileRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type writeFileResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}
