package repo

import (
	"context"
	"database/sql"
	"errors"

	"epicflow/internal/domain"
)

const validationColumns = `id,task_id,status,checks_json,logs_url,created_at,updated_at`

func scanValidationRun(row rowScanner) (domain.ValidationRun, error) {
	var v domain.ValidationRun
	var checks, logsURL sql.NullString
	err := row.Scan(&v.ID, &v.TaskID, &v.Status, &checks, &logsURL, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Checks = unmarshalStrings(checks)
	v.LogsURL = logsURL.String
	return v, nil
}

func (r Repo) InsertValidationRunTx(ctx context.Context, tx *sql.Tx, v domain.ValidationRun) (domain.ValidationRun, error) {
	checks, err := marshalStrings(v.Checks)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO validation_runs(`+validationColumns+`) VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.TaskID, v.Status, checks, nullable(v.LogsURL), v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	return v, nil
}

// UpdateValidationRunTx overwrites status, checks and logs URL. created_at is
// never touched.
func (r Repo) UpdateValidationRunTx(ctx context.Context, tx *sql.Tx, v domain.ValidationRun) (domain.ValidationRun, error) {
	checks, err := marshalStrings(v.Checks)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE validation_runs SET status=?, checks_json=?, logs_url=?, updated_at=? WHERE id=?`,
		v.Status, checks, nullable(v.LogsURL), v.UpdatedAt, v.ID)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ValidationRun{}, ErrNotFound
	}
	return r.GetValidationRunTx(ctx, tx, v.ID)
}

func (r Repo) GetValidationRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.ValidationRun, error) {
	return scanValidationRun(tx.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_runs WHERE id=?`, id))
}

// ListValidationRuns returns a task's runs, newest first.
func (r Repo) ListValidationRuns(ctx context.Context, taskID string) ([]domain.ValidationRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+validationColumns+` FROM validation_runs WHERE task_id=? ORDER BY created_at DESC, rowid DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRun
	for rows.Next() {
		v, err := scanValidationRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// LatestValidationRun returns ErrNotFound when the task has no runs.
func (r Repo) LatestValidationRun(ctx context.Context, taskID string) (domain.ValidationRun, error) {
	return scanValidationRun(r.DB.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_runs WHERE task_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID))
}
