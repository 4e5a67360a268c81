package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicflow/internal/db"
	"epicflow/internal/domain"
	"epicflow/internal/lifecycle"
	"epicflow/internal/migrate"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) (Repo, domain.Epic) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := Repo{DB: conn}
	epic := domain.Epic{ID: "e1", Title: "Epic", Status: domain.EpicDraft, CreatedAt: ts, UpdatedAt: ts}
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertEpicTx(context.Background(), tx, epic) })
	return r, epic
}

func inTx(t *testing.T, r Repo, fn func(*sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	require.NoError(t, tx.Commit())
}

func insertTask(t *testing.T, r Repo, id string, ordinal int) domain.Task {
	t.Helper()
	var out domain.Task
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		out, err = r.InsertTaskTx(context.Background(), tx, domain.Task{
			ID: id, EpicID: "e1", Title: id, Ordinal: ordinal, State: lifecycle.Planned, CreatedAt: ts, UpdatedAt: ts,
		})
		return err
	})
	return out
}

func TestInsertTaskAppendsOrdinal(t *testing.T) {
	r, _ := newRepo(t)
	assert.Equal(t, 1, insertTask(t, r, "a", 0).Ordinal)
	assert.Equal(t, 5, insertTask(t, r, "b", 5).Ordinal)
	assert.Equal(t, 6, insertTask(t, r, "c", 0).Ordinal)

	tasks, err := r.ListTasks(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
	assert.Equal(t, int64(1), tasks[0].Version)
}

func TestApplyTransitionGuardsVersion(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	task := insertTask(t, r, "a", 0)

	var moved domain.Task
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		moved, err = r.ApplyTransitionTx(ctx, tx, task, lifecycle.Running, TransitionExtras{BranchName: "feat/a"}, ts)
		return err
	})
	assert.Equal(t, int64(2), moved.Version)
	assert.Equal(t, 1, moved.Attempts)

	// A writer holding the old snapshot loses.
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = r.ApplyTransitionTx(ctx, tx, task, lifecycle.Blocked, TransitionExtras{BlockedReason: "late"}, ts)
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, tx.Rollback())

	stored, err := r.GetTask(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Running, stored.State)
	assert.Equal(t, "feat/a", stored.BranchName)
}

func TestApplyTransitionRules(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	task := insertTask(t, r, "a", 0)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = r.ApplyTransitionTx(ctx, tx, task, lifecycle.Done, TransitionExtras{}, ts)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	_, err = r.ApplyTransitionTx(ctx, tx, task, lifecycle.Blocked, TransitionExtras{}, ts)
	assert.ErrorIs(t, err, ErrMissingReason)

	blocked, err := r.ApplyTransitionTx(ctx, tx, task, lifecycle.Blocked, TransitionExtras{BlockedReason: "waiting"}, ts)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Planned, blocked.BlockedFrom)
	assert.Equal(t, 0, blocked.Attempts)

	ghost := task
	ghost.ID = "missing"
	_, err = r.ApplyTransitionTx(ctx, tx, ghost, lifecycle.Running, TransitionExtras{}, ts)
	assert.ErrorIs(t, err, ErrNotFound)
}
