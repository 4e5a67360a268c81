package repo

import (
	"context"
	"database/sql"
	"strings"

	"epicflow/internal/domain"
)

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

type AuditFilter struct {
	EpicID string
	TaskID string
	Limit  int
}

// ListAuditLogs returns entries newest first. Insertion order breaks
// timestamp ties.
func (r Repo) ListAuditLogs(ctx context.Context, f AuditFilter) ([]domain.AuditLogEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	var where []string
	var args []any
	if f.EpicID != "" {
		where = append(where, "epic_id=?")
		args = append(args, f.EpicID)
	}
	if f.TaskID != "" {
		where = append(where, "task_id=?")
		args = append(args, f.TaskID)
	}
	query := `SELECT id,epic_id,task_id,action,actor,details,created_at FROM audit_logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var epicID, taskID sql.NullString
		if err := rows.Scan(&e.ID, &epicID, &taskID, &e.Action, &e.Actor, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EpicID = epicID.String
		e.TaskID = taskID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
