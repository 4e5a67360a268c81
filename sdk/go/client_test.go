package epicflowsdk_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicflow/internal/db"
	"epicflow/internal/engine"
	"epicflow/internal/events"
	"epicflow/internal/migrate"
	"epicflow/internal/server"
	epicflowsdk "epicflow/sdk/go"
)

func newClient(t *testing.T) *epicflowsdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	handler, err := server.New(server.Config{
		Engine:   engine.New(conn, events.NewBus()),
		BasePath: "/v0",
		Auth:     server.AuthConfig{ActorHeader: "X-Epicflow-Actor"},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := epicflowsdk.New(srv.URL)
	c.Actor = "sdk-test"
	return c
}

func TestSDKRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := t.Context()

	epic, err := c.CreateEpic(ctx, "Checkout revamp", "faster checkout", &epicflowsdk.Repo{Owner: "acme", Name: "shop"})
	require.NoError(t, err)
	assert.Equal(t, "draft", epic.Status)

	task, err := c.CreateTask(ctx, epic.ID, "Add payment form", []string{"card fields validate"})
	require.NoError(t, err)
	assert.Equal(t, "PLANNED", task.State)
	assert.Equal(t, []string{"RUNNING", "BLOCKED"}, task.ValidTransitions)

	moved, err := c.Transition(ctx, task.ID, epicflowsdk.Transition{To: "RUNNING", BranchName: "feat/pay"})
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Attempts)

	_, err = c.Transition(ctx, task.ID, epicflowsdk.Transition{To: "BLOCKED"})
	assert.True(t, epicflowsdk.IsCode(err, "missing_reason"), "got %v", err)

	_, err = c.Transition(ctx, task.ID, epicflowsdk.Transition{To: "DONE"})
	var apiErr *epicflowsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)

	run, err := c.StartValidation(ctx, task.ID, []string{"unit"})
	require.NoError(t, err)
	run, err = c.UpdateValidation(ctx, run.ID, "FAILED", "https://ci.example.com/9")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", run.Status)

	got, err := c.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Validation)
	assert.Equal(t, run.ID, got.Validation.ID)
	assert.Equal(t, "FAILED", got.Validation.Status)

	entries, err := c.AuditLogs(ctx, "", task.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "VALIDATION_UPDATED", entries[0].Action)
	assert.Equal(t, "sdk-test", entries[0].Actor)

	board, err := c.Board(ctx, epic.ID)
	require.NoError(t, err)
	assert.True(t, board.Degraded)
	require.Len(t, board.Cards, 1)
	assert.Equal(t, "RUNNING", board.Cards[0].Task.State)
}

func TestSDKNotFound(t *testing.T) {
	c := newClient(t)
	_, err := c.GetEpic(t.Context(), "nope")
	assert.True(t, epicflowsdk.IsCode(err, "not_found"), "got %v", err)
}
