package epicflowsdk

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
)

// Client is a minimal epicflow HTTP API client.
type Client struct {
	BaseURL string
	// BasePath prefixes every endpoint; defaults to /v0.
	BasePath    string
	BearerToken string
	// Actor is sent as the actor header when no bearer token is set. The
	// server must be configured to trust that header.
	Actor       string
	ActorHeader string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		ActorHeader: "X-Epicflow-Actor",
		Timeout:     10 * time.Second,
	}
}

type Repo struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// Epic represents the API epic model.
type Epic struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Intent    string `json:"intent,omitempty"`
	Repo      Repo   `json:"repo"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Task represents the API task model.
type Task struct {
	ID                 string   `json:"id"`
	EpicID             string   `json:"epic_id"`
	Ordinal            int      `json:"ordinal"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	State              string   `json:"state"`
	Progress           string   `json:"progress"`
	ValidTransitions   []string `json:"valid_transitions"`
	PRURL              string   `json:"pr_url,omitempty"`
	BranchName         string   `json:"branch_name,omitempty"`
	BlockedReason      string   `json:"blocked_reason,omitempty"`
	BlockedFrom        string   `json:"blocked_from,omitempty"`
	Attempts           int      `json:"attempts"`
	Version            int64    `json:"version"`
	UpdatedAt          string   `json:"updated_at"`

	// Validation is the newest validation run, returned by GetTask only.
	Validation *ValidationRun `json:"validation,omitempty"`
}

// Transition is the body of a task move.
type Transition struct {
	To              string `json:"to"`
	PRURL           string `json:"pr_url,omitempty"`
	BranchName      string `json:"branch_name,omitempty"`
	BlockedReason   string `json:"blocked_reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

// ValidationRun represents one validation attempt for a task.
type ValidationRun struct {
	ID        string   `json:"id"`
	TaskID    string   `json:"task_id"`
	Status    string   `json:"status"`
	Checks    []string `json:"checks"`
	LogsURL   string   `json:"logs_url,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// AuditEntry represents an audit log row.
type AuditEntry struct {
	ID        string `json:"id"`
	EpicID    string `json:"epic_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Details   string `json:"details"`
	CreatedAt string `json:"created_at"`
}

type Derived struct {
	State    string `json:"state"`
	Progress string `json:"progress"`
	Reason   string `json:"reason"`
	URL      string `json:"url,omitempty"`
}

type Card struct {
	Task           Task    `json:"task"`
	StoredProgress string  `json:"stored_progress"`
	Derived        Derived `json:"derived"`
	Drift          bool    `json:"drift"`
}

// Board is the signal comparison for one epic.
type Board struct {
	Epic     Epic           `json:"epic"`
	Cards    []Card         `json:"cards"`
	Degraded bool           `json:"degraded"`
	Cause    string         `json:"cause,omitempty"`
	Summary  map[string]int `json:"summary"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateEpic creates an epic. repo may be nil.
func (c *Client) CreateEpic(ctx context.Context, title, intent string, repo *Repo) (Epic, error) {
	body := map[string]any{"title": title}
	if intent != "" {
		body["intent"] = intent
	}
	if repo != nil {
		body["repo"] = repo
	}
	var resp Epic
	err := c.do(ctx, http.MethodPost, "epics", body, &resp)
	return resp, err
}

func (c *Client) GetEpic(ctx context.Context, id string) (Epic, error) {
	var resp Epic
	err := c.do(ctx, http.MethodGet, "epics/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateTask appends a task to an epic.
func (c *Client) CreateTask(ctx context.Context, epicID, title string, acceptance []string) (Task, error) {
	body := map[string]any{"title": title}
	if len(acceptance) > 0 {
		body["acceptance_criteria"] = acceptance
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("epics/%s/tasks", url.PathEscape(epicID)), body, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns an epic's tasks in order.
func (c *Client) ListTasks(ctx context.Context, epicID string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("epics/%s/tasks", url.PathEscape(epicID)), nil, &resp)
	return resp.Items, err
}

// Transition moves a task. Rejected moves return an APIError with code
// invalid_transition, missing_reason or conflict.
func (c *Client) Transition(ctx context.Context, taskID string, t Transition) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/transitions", url.PathEscape(taskID)), t, &resp)
	return resp, err
}

func (c *Client) Unblock(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/unblock", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// StartValidation opens a PENDING validation run.
func (c *Client) StartValidation(ctx context.Context, taskID string, checks []string) (ValidationRun, error) {
	var resp ValidationRun
	endpoint := fmt.Sprintf("tasks/%s/validations", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"checks": checks}, &resp)
	return resp, err
}

// UpdateValidation sets the run status and, when non-empty, its logs URL.
func (c *Client) UpdateValidation(ctx context.Context, runID, status, logsURL string) (ValidationRun, error) {
	body := map[string]any{"status": status}
	if logsURL != "" {
		body["logs_url"] = logsURL
	}
	var resp ValidationRun
	err := c.do(ctx, http.MethodPatch, "validations/"+url.PathEscape(runID), body, &resp)
	return resp, err
}

// AuditLogs returns the newest entries first. Empty filters are ignored.
func (c *Client) AuditLogs(ctx context.Context, epicID, taskID string, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if epicID != "" {
		q.Set("epic_id", epicID)
	}
	if taskID != "" {
		q.Set("task_id", taskID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Board(ctx context.Context, epicID string) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("epics/%s/board", url.PathEscape(epicID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Actor != "" && c.ActorHeader != "":
		req.Header.Set(c.ActorHeader, c.Actor)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}
