package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"epicflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row changed between read and write.
	ErrConflict = errors.New("concurrent modification")
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const epicColumns = `id,title,intent,repo_owner,repo_name,default_branch,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpic(row rowScanner) (domain.Epic, error) {
	var e domain.Epic
	var intent, owner, name, branch sql.NullString
	err := row.Scan(&e.ID, &e.Title, &intent, &owner, &name, &branch, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Intent = intent.String
	e.Repo = domain.RepoRef{Owner: owner.String, Name: name.String, DefaultBranch: branch.String}
	return e, nil
}

func (r Repo) InsertEpicTx(ctx context.Context, tx *sql.Tx, e domain.Epic) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO epics(`+epicColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Title, nullable(e.Intent), nullable(e.Repo.Owner), nullable(e.Repo.Name), nullable(e.Repo.DefaultBranch),
		e.Status, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	return getEpic(ctx, r.DB, id)
}

func (r Repo) GetEpicTx(ctx context.Context, tx *sql.Tx, id string) (domain.Epic, error) {
	return getEpic(ctx, tx, id)
}

func getEpic(ctx context.Context, q queryer, id string) (domain.Epic, error) {
	return scanEpic(q.QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE id=?`, id))
}

func (r Repo) ListEpics(ctx context.Context, status string) ([]domain.Epic, error) {
	query := `SELECT ` + epicColumns + ` FROM epics`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epic
	for rows.Next() {
		e, err := scanEpic(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EpicPatch carries the fields an update may change; nil means untouched.
type EpicPatch struct {
	Title  *string
	Intent *string
	Status *string
	Repo   *domain.RepoRef
}

func (p EpicPatch) Empty() bool {
	return p.Title == nil && p.Intent == nil && p.Status == nil && p.Repo == nil
}

// UpdateEpicTx applies patch and always bumps updated_at.
func (r Repo) UpdateEpicTx(ctx context.Context, tx *sql.Tx, id string, patch EpicPatch, updatedAt string) (domain.Epic, error) {
	fields := []string{"updated_at=?"}
	args := []any{updatedAt}
	if patch.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *patch.Title)
	}
	if patch.Intent != nil {
		fields = append(fields, "intent=?")
		args = append(args, nullable(*patch.Intent))
	}
	if patch.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *patch.Status)
	}
	if patch.Repo != nil {
		fields = append(fields, "repo_owner=?", "repo_name=?", "default_branch=?")
		args = append(args, nullable(patch.Repo.Owner), nullable(patch.Repo.Name), nullable(patch.Repo.DefaultBranch))
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE epics SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return domain.Epic{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Epic{}, ErrNotFound
	}
	return getEpic(ctx, tx, id)
}

// DeleteEpicTx removes the epic; tasks, validation runs and epic-scoped audit
// rows go with it through foreign key cascades.
func (r Repo) DeleteEpicTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM epics WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw.String), &out)
	if len(out) == 0 {
		return nil
	}
	return out
}
