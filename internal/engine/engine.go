package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"epicflow/internal/audit"
	"epicflow/internal/domain"
	"epicflow/internal/events"
	"epicflow/internal/lifecycle"
	"epicflow/internal/repo"
	"epicflow/internal/telemetry"
)

var (
	ErrMissingReason = repo.ErrMissingReason
	ErrNotFound      = repo.ErrNotFound
	ErrConflict      = repo.ErrConflict
)

var tracer = otel.Tracer("epicflow/engine")

type Engine struct {
	DB    *sql.DB
	Repo  repo.Repo
	Audit audit.Writer
	Bus   *events.Bus
	Now   func() time.Time
}

func New(db *sql.DB, bus *events.Bus) Engine {
	return Engine{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Audit: audit.Writer{},
		Bus:   bus,
		Now:   time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// auditor stamps audit rows with the engine clock unless Audit.Now is set.
func (e Engine) auditor() audit.Writer {
	w := e.Audit
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) publish(entries ...domain.AuditLogEntry) {
	for _, a := range entries {
		e.Bus.Publish(events.Notification{
			Kind:    a.Action,
			EpicID:  a.EpicID,
			TaskID:  a.TaskID,
			AuditID: a.ID,
			Details: a.Details,
		})
	}
}

// inTx runs fn in one SQL transaction and publishes the audit entries it
// returns once the commit succeeds.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) ([]domain.AuditLogEntry, error)) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	entries, err := fn(tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(entries...)
	return nil
}

type EpicInput struct {
	Title  string
	Intent string
	Repo   domain.RepoRef
}

func (e Engine) CreateEpic(ctx context.Context, in EpicInput, actor string) (domain.Epic, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Epic{}, errors.New("title is required")
	}
	now := e.stamp()
	epic := domain.Epic{
		ID:        uuid.New().String(),
		Title:     title,
		Intent:    in.Intent,
		Repo:      in.Repo,
		Status:    domain.EpicDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) ([]domain.AuditLogEntry, error) {
		if err := e.Repo.InsertEpicTx(ctx, tx, epic); err != nil {
			return nil, fmt.Errorf("insert epic: %w", err)
		}
		a, err := e.auditor().Append(ctx, tx, audit.Entry{
			EpicID:  epic.ID,
			Action:  audit.EpicCreated,
			Actor:   actor,
			Details: fmt.Sprintf("Created epic %q", epic.Title),
		})
		return []domain.AuditLogEntry{a}, err
	})
	if err != nil {
		return domain.Epic{}, err
	}
	return epic, nil
}

func (e Engine) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	return e.Repo.GetEpic(ctx, id)
}

func (e Engine) ListEpics(ctx context.Context, status string) ([]domain.Epic, error) {
	return e.Repo.ListEpics(ctx, status)
}

func validEpicStatus(s string) bool {
	return slices.Contains(domain.EpicStatuses, s)
}

// UpdateEpic writes EPIC_STATUS_CHANGED when the status moves and
// EPIC_UPDATED when any other field is supplied.
func (e Engine) UpdateEpic(ctx context.Context, id string, patch repo.EpicPatch, actor string) (domain.Epic, error) {
	if patch.Status != nil && !validEpicStatus(*patch.Status) {
		return domain.Epic{}, fmt.Errorf("invalid epic status %q (want one of %s)", *patch.Status, strings.Join(domain.EpicStatuses, ", "))
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return domain.Epic{}, errors.New("title cannot be empty")
	}
	var updated domain.Epic
	err := e.inTx(ctx, func(tx *sql.Tx) ([]domain.AuditLogEntry, error) {
		before, err := e.Repo.GetEpicTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		updated, err = e.Repo.UpdateEpicTx(ctx, tx, id, patch, e.stamp())
		if err != nil {
			return nil, err
		}
		var entries []domain.AuditLogEntry
		if patch.Status != nil && *patch.Status != before.Status {
			a, err := e.auditor().Append(ctx, tx, audit.Entry{
				EpicID:  id,
				Action:  audit.EpicStatusChanged,
				Actor:   actor,
				Details: fmt.Sprintf("Status changed from %s to %s", before.Status, updated.Status),
			})
			if err != nil {
				return nil, err
			}
			entries = append(entries, a)
		}
		if changed := changedEpicFields(patch); len(changed) > 0 {
			a, err := e.auditor().Append(ctx, tx, audit.Entry{
				EpicID:  id,
				Action:  audit.EpicUpdated,
				Actor:   actor,
				Details: "Updated " + strings.Join(changed, ", "),
			})
			if err != nil {
				return nil, err
			}
			entries = append(entries, a)
		}
		return entries, nil
	})
	if err != nil {
		return domain.Epic{}, err
	}
	return updated, nil
}

func changedEpicFields(p repo.EpicPatch) []string {
	var out []string
	if p.Title != nil {
		out = append(out, "title")
	}
	if p.Intent != nil {
		out = append(out, "intent")
	}
	if p.Repo != nil {
		out = append(out, "repo")
	}
	return out
}

// DeleteEpic removes the epic and everything under it. The EPIC_DELETED
// entry carries no epic id so the cascade leaves it in place.
func (e Engine) DeleteEpic(ctx context.Context, id, actor string) (bool, error) {
	var deleted bool
	err := e.inTx(ctx, func(tx *sql.Tx) ([]domain.AuditLogEntry, error) {
		epic, err := e.Repo.GetEpicTx(ctx, tx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		deleted, err = e.Repo.DeleteEpicTx(ctx, tx, id)
		if err != nil || !deleted {
			return nil, err
		}
		a, err := e.auditor().Append(ctx, tx, audit.Entry{
			Action:  audit.EpicDeleted,
			Actor:   actor,
			Details: fmt.Sprintf("Deleted epic %s %q", epic.ID, epic.Title),
		})
		return []domain.AuditLogEntry{a}, err
	})
	return deleted, err
}

type TaskInput struct {
	EpicID             string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Ordinal            int
}

func (e Engine) CreateTask(ctx context.Context, in TaskInput, actor string) (domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if in.EpicID == "" {
		return domain.Task{}, errors.New("epic is required")
	}
	now := e.stamp()
	var task domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) ([]domain.AuditLogEntry, error) {
		if _, err := e.Repo.GetEpicTx(ctx, tx, in.EpicID); err != nil {
			return nil, err
		}
		var err error
		task, err = e.Repo.InsertTaskTx(ctx, tx, domain.Task{
			ID:                 uuid.New().String(),
			EpicID:             in.EpicID,
			Ordinal:            in.Ordinal,
			Title:              title,
			Description:        in.Description,
			AcceptanceCriteria: in.AcceptanceCriteria,
			State:              lifecycle.Planned,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		if err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		a, err := e.auditor().Append(ctx, tx, audit.Entry{
			EpicID:  task.EpicID,
			TaskID:  task.ID,
			Action:  audit.TaskCreated,
			Actor:   actor,
			Details: fmt.Sprintf("Created task %q", task.Title),
		})
		return []domain.AuditLogEntry{a}, err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, epicID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetEpic(ctx, epicID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, epicID)
}

// TransitionRequest asks for one state change. ExpectedVersion, when set,
// must match the stored version or the call fails with ErrConflict.
type TransitionRequest struct {
	TaskID          string
	To              lifecycle.State
	PRURL           string
	BranchName      string
	BlockedReason   string
	ExpectedVersion int64
}

// Transition validates, mutates and audits in one SQL transaction. Failure
// order: ErrNotFound, then *lifecycle.TransitionError, then
// ErrMissingReason. A failed call leaves the store untouched.
func (e Engine) Transition(ctx context.Context, req TransitionRequest, actor string) (task domain.Task, err error) {
	ctx, span := tracer.Start(ctx, "engine.Transition", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("task.to", string(req.To)),
	))
	defer func() { telemetry.End(span, err) }()

	reason := strings.TrimSpace(req.BlockedReason)
	err = e.inTx(ctx, func(tx *sql.Tx) ([]domain.AuditLogEntry, error) {
		current, err := e.Repo.GetTaskTx(ctx, tx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if req.ExpectedVersion != 0 && req.ExpectedVersion != current.Version {
			return nil, fmt.Errorf("%w: task %s is at version %d, expected %d", repo.ErrConflict, current.ID, current.Version, req.ExpectedVersion)
		}
		task, err = e.Repo.ApplyTransitionTx(ctx, tx, current, req.To, repo.TransitionExtras{
			PRURL:         req.PRURL,
			BranchName:    req.BranchName,
			BlockedReason: reason,
		}, e.stamp())
		if err != nil {
			return nil, err
		}
		a, err := e.auditor().Append(ctx, tx, audit.Entry{
			EpicID:  task.EpicID,
			TaskID:  task.ID,
			Action:  audit.TaskStateChanged,
			Actor:   actor,
			Details: transitionDetails(current.State, task.State, reason),
		})
		return []domain.AuditLogEntry{a}, err
	})
	if err != nil {
		return domain.Task{}, err
	}
	span.SetAttributes(attribute.Int("task.attempts", task.Attempts))
	return task, nil
}

func transitionDetails(from, to lifecycle.State, reason string) string {
	d := fmt.Sprintf("%s → %s", from, to)
	if to == lifecycle.Blocked && reason != "" {
		d += ": " + reason
	}
	return d
}

// Unblock moves a BLOCKED task back to the state it was blocked from. A task
// blocked from a state BLOCKED cannot return to (MERGED) is left untouched and
// the caller must pick one of the valid resume states explicitly.
func (e Engine) Unblock(ctx context.Context, taskID, actor string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.State != lifecycle.Blocked {
		return domain.Task{}, fmt.Errorf("%w: task %s is %s, not BLOCKED", lifecycle.ErrInvalidTransition, t.ID, t.State)
	}
	resume := t.BlockedFrom
	if resume == "" {
		resume = lifecycle.Planned
	}
	if !lifecycle.CanTransition(lifecycle.Blocked, resume) {
		return domain.Task{}, fmt.Errorf("task %s was blocked from %s, resume explicitly to one of %v: %w",
			t.ID, resume, lifecycle.ValidTransitions(lifecycle.Blocked), &lifecycle.TransitionError{From: lifecycle.Blocked, To: resume})
	}
	return e.Transition(ctx, TransitionRequest{TaskID: taskID, To: resume, ExpectedVersion: t.Version}, actor)
}

var validationStatuses = []string{domain.ValidationPending, domain.ValidationPassed, domain.ValidationFailed}

func (e Engine) StartValidation(ctx context.Context, taskID string, checks []string, actor string) (domain.ValidationRun, error) {
	var run domain.ValidationRun
	err := e.inTx(ctx, func(tx *sql.Tx) ([]domain.AuditLogEntry, error) {
		task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		now := e.stamp()
		run, err = e.Repo.InsertValidationRunTx(ctx, tx, domain.ValidationRun{
			ID:        uuid.New().String(),
			TaskID:    task.ID,
			Status:    domain.ValidationPending,
			Checks:    checks,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("insert validation run: %w", err)
		}
		a, err := e.auditor().Append(ctx, tx, audit.Entry{
			EpicID:  task.EpicID,
			TaskID:  task.ID,
			Action:  audit.ValidationStarted,
			Actor:   actor,
			Details: fmt.Sprintf("Validation run %s started", run.ID),
		})
		return []domain.AuditLogEntry{a}, err
	})
	if err != nil {
		return domain.ValidationRun{}, err
	}
	return run, nil
}

type ValidationUpdate struct {
	RunID   string
	Status  string
	Checks  []string
	LogsURL string
}

func (e Engine) UpdateValidation(ctx context.Context, up ValidationUpdate, actor string) (domain.ValidationRun, error) {
	status := strings.ToUpper(strings.TrimSpace(up.Status))
	if !slices.Contains(validationStatuses, status) {
		return domain.ValidationRun{}, fmt.Errorf("invalid validation status %q", up.Status)
	}
	var run domain.ValidationRun
	err := e.inTx(ctx, func(tx *sql.Tx) ([]domain.AuditLogEntry, error) {
		prev, err := e.Repo.GetValidationRunTx(ctx, tx, up.RunID)
		if err != nil {
			return nil, err
		}
		checks := up.Checks
		if checks == nil {
			checks = prev.Checks
		}
		logs := up.LogsURL
		if logs == "" {
			logs = prev.LogsURL
		}
		run, err = e.Repo.UpdateValidationRunTx(ctx, tx, domain.ValidationRun{
			ID:        prev.ID,
			Status:    status,
			Checks:    checks,
			LogsURL:   logs,
			UpdatedAt: e.stamp(),
		})
		if err != nil {
			return nil, err
		}
		task, err := e.Repo.GetTaskTx(ctx, tx, run.TaskID)
		if err != nil {
			return nil, err
		}
		a, err := e.auditor().Append(ctx, tx, audit.Entry{
			EpicID:  task.EpicID,
			TaskID:  task.ID,
			Action:  audit.ValidationUpdated,
			Actor:   actor,
			Details: fmt.Sprintf("Validation run %s: %s → %s", run.ID, prev.Status, run.Status),
		})
		return []domain.AuditLogEntry{a}, err
	})
	if err != nil {
		return domain.ValidationRun{}, err
	}
	return run, nil
}

func (e Engine) ListValidationRuns(ctx context.Context, taskID string) ([]domain.ValidationRun, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListValidationRuns(ctx, taskID)
}

// LatestValidationRun returns the task's newest run, or ErrNotFound when it has
// none.
func (e Engine) LatestValidationRun(ctx context.Context, taskID string) (domain.ValidationRun, error) {
	return e.Repo.LatestValidationRun(ctx, taskID)
}

func (e Engine) AuditLogs(ctx context.Context, f repo.AuditFilter) ([]domain.AuditLogEntry, error) {
	return e.Repo.ListAuditLogs(ctx, f)
}
