package github

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient("test-token").WithBaseURL(srv.URL)
	c.RetryDelay = time.Millisecond
	return c
}

func TestListIssuesSkipsPullRequestsAndPaginates(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"number":3,"title":"Later","state":"closed","labels":[]}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/acme/shop/issues?state=all&page=2>; rel="next"`, srvURL))
		fmt.Fprint(w, `[
			{"number":1,"title":"Add login","state":"open","labels":[{"name":"Blocked"}],"html_url":"https://gh/1"},
			{"number":2,"title":"PR in disguise","state":"open","pull_request":{"url":"x"}}
		]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL
	c := NewClient("test-token").WithBaseURL(srv.URL)

	issues, err := c.ListIssues(t.Context(), "acme", "shop")
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, 1, issues[0].Number)
	assert.Equal(t, []string{"Blocked"}, issues[0].Labels)
	assert.Equal(t, "https://gh/1", issues[0].URL)
	assert.Equal(t, "Later", issues[1].Title)
}

func TestListPullRequestsMapsMergedAndHead(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/pulls", r.URL.Path)
		fmt.Fprint(w, `[
			{"number":7,"title":"Add login","state":"closed","merged_at":"2024-01-01T00:00:00Z","head":{"sha":"abc"}},
			{"number":8,"title":"Draft thing","state":"open","draft":true,"merged_at":null,"head":{"sha":"def"}}
		]`)
	}))
	prs, err := c.ListPullRequests(t.Context(), "acme", "shop")
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.True(t, prs[0].Merged)
	assert.Equal(t, "abc", prs[0].HeadSHA)
	assert.False(t, prs[1].Merged)
	assert.True(t, prs[1].Draft)
}

func TestGetCheckRuns(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/shop/commits/abc/check-runs", r.URL.Path)
		fmt.Fprint(w, `{"total_count":2,"check_runs":[{"name":"unit","status":"completed","conclusion":"failure"},{"name":"lint","status":"in_progress","conclusion":null}]}`)
	}))
	runs, err := c.GetCheckRuns(t.Context(), "acme", "shop", "abc")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "failure", runs[0].Conclusion)
	assert.Equal(t, "in_progress", runs[1].Status)

	none, err := c.GetCheckRuns(t.Context(), "acme", "shop", "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRateLimitRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	_, err := c.ListPullRequests(t.Context(), "acme", "shop")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRateLimitExhaustionIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	c.MaxRetries = 2
	_, err := c.ListIssues(t.Context(), "acme", "shop")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCollaboratorUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAuthFailureIsUnavailableWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.ListIssues(t.Context(), "acme", "shop")
	assert.ErrorIs(t, err, ErrCollaboratorUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient("").WithBaseURL(srv.URL)
	c.RetryDelay = time.Millisecond
	c.MaxRetries = 1
	_, err := c.ListIssues(t.Context(), "acme", "shop")
	assert.ErrorIs(t, err, ErrCollaboratorUnavailable)
}

func TestClientErrorIsAPIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"Validation Failed"}`)
	}))
	_, err := c.ListIssues(t.Context(), "acme", "shop")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "Validation Failed", apiErr.Message)
	assert.NotErrorIs(t, err, ErrCollaboratorUnavailable)
}

func TestReadFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/shop/contents/docs/plan.md":
			assert.Equal(t, "main", r.URL.Query().Get("ref"))
			enc := base64.StdEncoding.EncodeToString([]byte("# Plan\n"))
			fmt.Fprintf(w, `{"type":"file","path":"docs/plan.md","sha":"s1","encoding":"base64","content":%q}`, enc[:4]+"\n"+enc[4:])
		default:
			http.NotFound(w, r)
		}
	}))
	f, err := c.ReadFile(t.Context(), "acme", "shop", "docs/plan.md", "main")
	require.NoError(t, err)
	assert.Equal(t, "# Plan\n", string(f.Content))
	assert.Equal(t, "s1", f.SHA)

	_, err = c.ReadFile(t.Context(), "acme", "shop", "missing.md", "main")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteFile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		body, _ := io.ReadAll(r.Body)
		var req writeFileRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "s1", req.SHA)
		assert.Equal(t, "update plan", req.Message)
		decoded, _ := base64.StdEncoding.DecodeString(req.Content)
		assert.Equal(t, "new", string(decoded))
		fmt.Fprint(w, `{"content":{"sha":"s2"}}`)
	}))
	sha, err := c.WriteFile(t.Context(), "acme", "shop", "docs/plan.md", []byte("new"), "update plan", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s2", sha)
}

func TestListDirectory(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/acme/shop/contents/docs" {
			fmt.Fprint(w, `[{"name":"plan.md","type":"file","path":"docs/plan.md"},{"name":"img","type":"dir","path":"docs/img"}]`)
			return
		}
		http.NotFound(w, r)
	}))
	entries, err := c.ListDirectory(t.Context(), "acme", "shop", "docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dir", entries[1].Type)

	empty, err := c.ListDirectory(t.Context(), "acme", "shop", "nope")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestPing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		fmt.Fprint(w, `{"resources":{}}`)
	}))
	require.NoError(t, c.Ping(t.Context()))

	bad := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	assert.ErrorIs(t, bad.Ping(t.Context()), ErrCollaboratorUnavailable)
}
