package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epicflow/internal/audit"
	"epicflow/internal/db"
	"epicflow/internal/domain"
	"epicflow/internal/engine"
	"epicflow/internal/events"
	"epicflow/internal/lifecycle"
	"epicflow/internal/migrate"
	"epicflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Bus    *events.Bus
	Ctx    context.Context
	Epic   domain.Epic
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus()
	eng := engine.New(conn, bus)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	epic, err := eng.CreateEpic(ctx, engine.EpicInput{Title: "Checkout revamp", Repo: domain.RepoRef{Owner: "acme", Name: "shop"}}, "tester")
	if err != nil {
		t.Fatalf("create epic: %v", err)
	}
	return testEnv{Engine: eng, Bus: bus, Ctx: ctx, Epic: epic}
}

func (env testEnv) task(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskInput{EpicID: env.Epic.ID, Title: title}, "tester")
	require.NoError(t, err)
	return task
}

func (env testEnv) auditFor(t *testing.T, taskID string) []domain.AuditLogEntry {
	t.Helper()
	logs, err := env.Engine.AuditLogs(env.Ctx, repo.AuditFilter{TaskID: taskID})
	require.NoError(t, err)
	return logs
}

// moveTo walks task along the happy path until it reaches target.
func (env testEnv) moveTo(t *testing.T, task domain.Task, target lifecycle.State) domain.Task {
	t.Helper()
	path := []lifecycle.State{lifecycle.Running, lifecycle.PRReady, lifecycle.Validating, lifecycle.ApprovalPending, lifecycle.Merged, lifecycle.Done}
	for _, s := range path {
		if task.State == target {
			return task
		}
		var err error
		task, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: s}, "tester")
		require.NoError(t, err)
	}
	require.Equal(t, target, task.State)
	return task
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Add payment form")
	assert.Equal(t, lifecycle.Planned, task.State)
	assert.Zero(t, task.Attempts)
	assert.Len(t, env.auditFor(t, task.ID), 1)

	task, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Running}, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Attempts)
	assert.Len(t, env.auditFor(t, task.ID), 2)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Merged}, "tester")
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "RUNNING → MERGED")
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Running, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Len(t, env.auditFor(t, task.ID), 2)

	task, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.PRReady, PRURL: "https://github.com/acme/shop/pull/7"}, "tester")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/shop/pull/7", task.PRURL)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Blocked}, "tester")
	assert.ErrorIs(t, err, engine.ErrMissingReason)

	task, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Blocked, BlockedReason: "waiting on design review"}, "tester")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Blocked, task.State)
	assert.Equal(t, "waiting on design review", task.BlockedReason)
	assert.Equal(t, lifecycle.PRReady, task.BlockedFrom)

	logs := env.auditFor(t, task.ID)
	require.Len(t, logs, 4)
	assert.Equal(t, audit.TaskStateChanged, logs[0].Action)
	assert.Contains(t, logs[0].Details, "PR_READY")
	assert.Contains(t, logs[0].Details, "BLOCKED")
	assert.Contains(t, logs[0].Details, "waiting on design review")
	assert.Equal(t, "tester", logs[0].Actor)
}

func TestTransitionErrorOrder(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: "missing", To: lifecycle.Blocked}, "tester")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	task := env.moveTo(t, env.task(t, "finished"), lifecycle.Done)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Blocked}, "tester")
	var te *lifecycle.TransitionError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, lifecycle.Done, te.From)
	assert.Equal(t, lifecycle.Blocked, te.To)
}

func TestBlockedRequiresReasonFromEverySource(t *testing.T) {
	env := newTestEnv(t)
	sources := []lifecycle.State{lifecycle.Planned, lifecycle.Running, lifecycle.PRReady, lifecycle.Validating, lifecycle.ApprovalPending, lifecycle.Merged}
	for _, src := range sources {
		t.Run(string(src), func(t *testing.T) {
			task := env.moveTo(t, env.task(t, "from "+string(src)), src)
			before := env.auditFor(t, task.ID)
			_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Blocked, BlockedReason: "   "}, "tester")
			require.ErrorIs(t, err, engine.ErrMissingReason)
			stored, err := env.Engine.GetTask(env.Ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, task, stored)
			assert.Len(t, env.auditFor(t, task.ID), len(before))
		})
	}
}

func TestFixingLoopCountsAttempts(t *testing.T) {
	env := newTestEnv(t)
	task := env.moveTo(t, env.task(t, "flaky"), lifecycle.Validating)
	for i := 0; i < 2; i++ {
		var err error
		task, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Fixing}, "tester")
		require.NoError(t, err)
		task, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Validating}, "tester")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, task.Attempts)
	// created + 3 happy-path moves + 4 loop moves
	assert.Len(t, env.auditFor(t, task.ID), 8)
}

func TestUnblockRestoresPriorState(t *testing.T) {
	env := newTestEnv(t)
	task := env.moveTo(t, env.task(t, "stuck"), lifecycle.Validating)
	task, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Blocked, BlockedReason: "CI down"}, "tester")
	require.NoError(t, err)

	task, err = env.Engine.Unblock(env.Ctx, task.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Validating, task.State)
	assert.Empty(t, task.BlockedReason)
	assert.Empty(t, task.BlockedFrom)

	_, err = env.Engine.Unblock(env.Ctx, task.ID, "tester")
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestUnblockFromMergedRequiresExplicitResume(t *testing.T) {
	env := newTestEnv(t)
	task := env.moveTo(t, env.task(t, "reverted"), lifecycle.Merged)
	task, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Blocked, BlockedReason: "revert pending"}, "tester")
	require.NoError(t, err)
	require.Equal(t, lifecycle.Merged, task.BlockedFrom)
	before := len(env.auditFor(t, task.ID))

	_, err = env.Engine.Unblock(env.Ctx, task.ID, "tester")
	var te *lifecycle.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, lifecycle.Blocked, te.From)
	assert.Equal(t, lifecycle.Merged, te.To)
	assert.Contains(t, err.Error(), string(lifecycle.ApprovalPending))

	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Blocked, stored.State)
	assert.Equal(t, "revert pending", stored.BlockedReason)
	assert.Equal(t, task.Version, stored.Version)
	assert.Len(t, env.auditFor(t, task.ID), before)

	task, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.ApprovalPending}, "tester")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ApprovalPending, task.State)
}

func TestAuditUsesEngineClock(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "clocked")
	logs := env.auditFor(t, task.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", logs[0].CreatedAt)
	assert.Equal(t, task.CreatedAt, logs[0].CreatedAt)
}

func TestResumeFromBlockedToExplicitState(t *testing.T) {
	env := newTestEnv(t)
	task := env.moveTo(t, env.task(t, "resume"), lifecycle.Running)
	task, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Blocked, BlockedReason: "design unclear"}, "tester")
	require.NoError(t, err)
	task, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Planned}, "tester")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Planned, task.State)
}

func TestExpectedVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "racy")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Running, ExpectedVersion: task.Version}, "a")
	require.NoError(t, err)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Blocked, BlockedReason: "x", ExpectedVersion: task.Version}, "b")
	assert.ErrorIs(t, err, engine.ErrConflict)
	assert.Len(t, env.auditFor(t, task.ID), 2)
}

func TestTransitionPublishesAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "notify")
	ch, cancel := env.Bus.Subscribe(4)
	defer cancel()

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Merged}, "tester")
	require.Error(t, err)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{TaskID: task.ID, To: lifecycle.Running}, "tester")
	require.NoError(t, err)

	n := <-ch
	assert.Equal(t, audit.TaskStateChanged, n.Kind)
	assert.Equal(t, task.ID, n.TaskID)
	assert.Equal(t, env.Epic.ID, n.EpicID)
	assert.NotEmpty(t, n.AuditID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected notification %+v", extra)
	default:
	}
}

func TestUpdateEpic(t *testing.T) {
	env := newTestEnv(t)
	active := domain.EpicActive
	title := "Checkout v2"
	epic, err := env.Engine.UpdateEpic(env.Ctx, env.Epic.ID, repo.EpicPatch{Status: &active, Title: &title}, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.EpicActive, epic.Status)
	assert.Equal(t, "Checkout v2", epic.Title)
	assert.Equal(t, env.Epic.Intent, epic.Intent)

	logs, err := env.Engine.AuditLogs(env.Ctx, repo.AuditFilter{EpicID: env.Epic.ID})
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.Equal(t, []string{audit.EpicUpdated, audit.EpicStatusChanged, audit.EpicCreated}, actions)

	bogus := "shipped"
	_, err = env.Engine.UpdateEpic(env.Ctx, env.Epic.ID, repo.EpicPatch{Status: &bogus}, "tester")
	assert.Error(t, err)
	_, err = env.Engine.UpdateEpic(env.Ctx, "missing", repo.EpicPatch{Status: &active}, "tester")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestDeleteEpicCascadesAndAudits(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "doomed")
	_, err := env.Engine.StartValidation(env.Ctx, task.ID, []string{"lint"}, "tester")
	require.NoError(t, err)

	deleted, err := env.Engine.DeleteEpic(env.Ctx, env.Epic.ID, "tester")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = env.Engine.GetTask(env.Ctx, task.ID)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.Empty(t, env.auditFor(t, task.ID))

	logs, err := env.Engine.AuditLogs(env.Ctx, repo.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, audit.EpicDeleted, logs[0].Action)
	assert.Empty(t, logs[0].EpicID)
	assert.True(t, strings.Contains(logs[0].Details, env.Epic.ID))

	deleted, err = env.Engine.DeleteEpic(env.Ctx, env.Epic.ID, "tester")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCreateTaskRequiresEpic(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskInput{EpicID: "nope", Title: "orphan"}, "tester")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	a := env.task(t, "first")
	b := env.task(t, "second")
	assert.Equal(t, 1, a.Ordinal)
	assert.Equal(t, 2, b.Ordinal)
	tasks, err := env.Engine.ListTasks(env.Ctx, env.Epic.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, a.ID, tasks[0].ID)
}

func TestValidationRuns(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "validated")
	run, err := env.Engine.StartValidation(env.Ctx, task.ID, []string{"unit", "lint"}, "ci")
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationPending, run.Status)

	updated, err := env.Engine.UpdateValidation(env.Ctx, engine.ValidationUpdate{RunID: run.ID, Status: "passed", LogsURL: "https://ci/1"}, "ci")
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationPassed, updated.Status)
	assert.Equal(t, []string{"unit", "lint"}, updated.Checks)
	assert.Equal(t, run.CreatedAt, updated.CreatedAt)

	_, err = env.Engine.UpdateValidation(env.Ctx, engine.ValidationUpdate{RunID: "missing", Status: "FAILED"}, "ci")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.UpdateValidation(env.Ctx, engine.ValidationUpdate{RunID: run.ID, Status: "maybe"}, "ci")
	assert.Error(t, err)

	runs, err := env.Engine.ListValidationRuns(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	logs := env.auditFor(t, task.ID)
	assert.Equal(t, audit.ValidationUpdated, logs[0].Action)
	assert.Equal(t, audit.ValidationStarted, logs[1].Action)
	assert.Equal(t, env.Epic.ID, logs[1].EpicID)
}

func TestAuditLogIsImmutable(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE audit_logs SET actor='mallory'`)
	assert.Error(t, err)
}
