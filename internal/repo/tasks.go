package repo

import (
	"context"
	"database/sql"
	"errors"

	"epicflow/internal/domain"
	"epicflow/internal/lifecycle"
)

// ErrMissingReason rejects a BLOCKED transition without a reason.
var ErrMissingReason = errors.New("blocked reason is required")

const taskColumns = `id,epic_id,ordinal,title,description,acceptance_criteria_json,state,pr_url,branch_name,blocked_reason,blocked_from,attempts,version,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, criteria, prURL, branch, reason, blockedFrom sql.NullString
	var state string
	err := row.Scan(&t.ID, &t.EpicID, &t.Ordinal, &t.Title, &description, &criteria, &state,
		&prURL, &branch, &reason, &blockedFrom, &t.Attempts, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.State = lifecycle.State(state)
	t.Description = description.String
	t.AcceptanceCriteria = unmarshalStrings(criteria)
	t.PRURL = prURL.String
	t.BranchName = branch.String
	t.BlockedReason = reason.String
	t.BlockedFrom = lifecycle.State(blockedFrom.String)
	return t, nil
}

// InsertTaskTx stores a new task. An ordinal <= 0 appends to the end of the
// epic. The stored task is returned.
func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	if t.Ordinal <= 0 {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal),0)+1 FROM tasks WHERE epic_id=?`, t.EpicID).Scan(&t.Ordinal); err != nil {
			return domain.Task{}, err
		}
	}
	if t.Version == 0 {
		t.Version = 1
	}
	criteria, err := marshalStrings(t.AcceptanceCriteria)
	if err != nil {
		return domain.Task{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.EpicID, t.Ordinal, t.Title, nullable(t.Description), criteria, string(t.State),
		nullable(t.PRURL), nullable(t.BranchName), nullable(t.BlockedReason), nullable(string(t.BlockedFrom)),
		t.Attempts, t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q queryer, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ListTasks returns an epic's tasks in ordinal order.
func (r Repo) ListTasks(ctx context.Context, epicID string) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, epicID)
}

func listTasks(ctx context.Context, q queryer, epicID string) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE epic_id=? ORDER BY ordinal ASC, created_at ASC`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByState(ctx context.Context, epicID string) (map[lifecycle.State]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks WHERE epic_id=? GROUP BY state`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[lifecycle.State]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[lifecycle.State(s)] = n
	}
	return res, rows.Err()
}

// TransitionExtras are optional fields written alongside a state change.
// Empty strings leave the stored value untouched.
type TransitionExtras struct {
	PRURL         string
	BranchName    string
	BlockedReason string
}

// ApplyTransitionTx is the only write path for tasks.state. It validates the
// move against the lifecycle table, maintains attempts and the BLOCKED
// bookkeeping, and guards on the version the caller read.
func (r Repo) ApplyTransitionTx(ctx context.Context, tx *sql.Tx, current domain.Task, to lifecycle.State, x TransitionExtras, updatedAt string) (domain.Task, error) {
	if err := lifecycle.Validate(current.State, to); err != nil {
		return domain.Task{}, err
	}
	if to == lifecycle.Blocked && x.BlockedReason == "" {
		return domain.Task{}, ErrMissingReason
	}
	next := current
	next.State = to
	if lifecycle.IsExecution(to) {
		next.Attempts++
	}
	if to == lifecycle.Blocked {
		next.BlockedReason = x.BlockedReason
		next.BlockedFrom = current.State
	} else {
		next.BlockedReason = ""
		next.BlockedFrom = ""
	}
	if x.PRURL != "" {
		next.PRURL = x.PRURL
	}
	if x.BranchName != "" {
		next.BranchName = x.BranchName
	}
	next.Version = current.Version + 1
	next.UpdatedAt = updatedAt

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, pr_url=?, branch_name=?, blocked_reason=?, blocked_from=?, attempts=?, version=?, updated_at=?
WHERE id=? AND version=? AND state=?`,
		string(next.State), nullable(next.PRURL), nullable(next.BranchName), nullable(next.BlockedReason), nullable(string(next.BlockedFrom)),
		next.Attempts, next.Version, next.UpdatedAt,
		current.ID, current.Version, string(current.State))
	if err != nil {
		return domain.Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, err
	}
	if n == 0 {
		if _, err := getTask(ctx, tx, current.ID); errors.Is(err, ErrNotFound) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, ErrConflict
	}
	return next, nil
}
