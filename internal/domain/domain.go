package domain

import "epicflow/internal/lifecycle"

// RepoRef points an epic at the repository its tasks are delivered into.
type RepoRef struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

func (r RepoRef) Empty() bool { return r.Owner == "" || r.Name == "" }

func (r RepoRef) String() string {
	if r.Empty() {
		return ""
	}
	return r.Owner + "/" + r.Name
}

const (
	EpicDraft     = "draft"
	EpicActive    = "active"
	EpicCompleted = "completed"
	EpicArchived  = "archived"
)

// EpicStatuses is the closed set of epic status values.
var EpicStatuses = []string{EpicDraft, EpicActive, EpicCompleted, EpicArchived}

type Epic struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Intent    string  `json:"intent,omitempty"`
	Repo      RepoRef `json:"repo"`
	Status    string  `json:"status" enum:"draft,active,completed,archived"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID                 string          `json:"id"`
	EpicID             string          `json:"epic_id"`
	Ordinal            int             `json:"ordinal"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	AcceptanceCriteria []string        `json:"acceptance_criteria,omitempty"`
	State              lifecycle.State `json:"state"`
	PRURL              string          `json:"pr_url,omitempty"`
	BranchName         string          `json:"branch_name,omitempty"`
	BlockedReason      string          `json:"blocked_reason,omitempty"`
	BlockedFrom        lifecycle.State `json:"blocked_from,omitempty"`
	Attempts           int             `json:"attempts"`
	Version            int64           `json:"version"`
	CreatedAt          string          `json:"created_at" format:"date-time"`
	UpdatedAt          string          `json:"updated_at" format:"date-time"`
}

const (
	ValidationPending = "PENDING"
	ValidationPassed  = "PASSED"
	ValidationFailed  = "FAILED"
)

type ValidationRun struct {
	ID        string   `json:"id"`
	TaskID    string   `json:"task_id"`
	Status    string   `json:"status" enum:"PENDING,PASSED,FAILED"`
	Checks    []string `json:"checks"`
	LogsURL   string   `json:"logs_url,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

type AuditLogEntry struct {
	ID        string `json:"id"`
	EpicID    string `json:"epic_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Details   string `json:"details"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
