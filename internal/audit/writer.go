// Package audit appends immutable audit log entries inside the caller's
// transaction.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"epicflow/internal/domain"
)

const (
	EpicCreated       = "EPIC_CREATED"
	EpicUpdated       = "EPIC_UPDATED"
	EpicStatusChanged = "EPIC_STATUS_CHANGED"
	EpicDeleted       = "EPIC_DELETED"
	TaskCreated       = "TASK_CREATED"
	TaskStateChanged  = "TASK_STATE_CHANGED"
	ValidationStarted = "VALIDATION_STARTED"
	ValidationUpdated = "VALIDATION_UPDATED"
)

// DefaultActor is recorded when no actor is supplied.
const DefaultActor = "user"

type Writer struct {
	Now func() time.Time
}

// Entry is the caller-supplied part of an audit row.
type Entry struct {
	EpicID  string
	TaskID  string
	Action  string
	Actor   string
	Details string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.AuditLogEntry, error) {
	if tx == nil {
		return domain.AuditLogEntry{}, errors.New("audit append requires a transaction")
	}
	if e.Action == "" {
		return domain.AuditLogEntry{}, errors.New("audit action required")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	actor := e.Actor
	if actor == "" {
		actor = DefaultActor
	}
	row := domain.AuditLogEntry{
		ID:        uuid.New().String(),
		EpicID:    e.EpicID,
		TaskID:    e.TaskID,
		Action:    e.Action,
		Actor:     actor,
		Details:   e.Details,
		CreatedAt: now().UTC().Format(time.RFC3339),
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_logs(id,epic_id,task_id,action,actor,details,created_at) VALUES (?,?,?,?,?,?,?)`,
		row.ID, nullable(row.EpicID), nullable(row.TaskID), row.Action, row.Actor, row.Details, row.CreatedAt)
	if err != nil {
		return domain.AuditLogEntry{}, fmt.Errorf("append audit %s: %w", row.Action, err)
	}
	return row, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
