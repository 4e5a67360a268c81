package server

import (
	"epicflow/internal/domain"
	"epicflow/internal/lifecycle"
	"epicflow/internal/reconcile"
)

// Request payloads

type RepoRequest struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

func (r *RepoRequest) ref() domain.RepoRef {
	if r == nil {
		return domain.RepoRef{}
	}
	return domain.RepoRef{Owner: r.Owner, Name: r.Name, DefaultBranch: r.DefaultBranch}
}

type CreateEpicRequest struct {
	Title  string       `json:"title" minLength:"1"`
	Intent string       `json:"intent,omitempty"`
	Repo   *RepoRequest `json:"repo,omitempty"`
}

type UpdateEpicRequest struct {
	Title  *string      `json:"title,omitempty"`
	Intent *string      `json:"intent,omitempty"`
	Status *string      `json:"status,omitempty" enum:"draft,active,completed,archived"`
	Repo   *RepoRequest `json:"repo,omitempty"`
}

type CreateTaskRequest struct {
	Title              string   `json:"title" minLength:"1"`
	Description        string   `json:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Ordinal            int      `json:"ordinal,omitempty" minimum:"0"`
}

type TransitionRequest struct {
	To              string `json:"to" example:"RUNNING"`
	PRURL           string `json:"pr_url,omitempty"`
	BranchName      string `json:"branch_name,omitempty"`
	BlockedReason   string `json:"blocked_reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type StartValidationRequest struct {
	Checks []string `json:"checks,omitempty"`
}

type UpdateValidationRequest struct {
	Status  string   `json:"status" enum:"PENDING,PASSED,FAILED"`
	Checks  []string `json:"checks,omitempty"`
	LogsURL string   `json:"logs_url,omitempty"`
}

// Response payloads

type EpicResponse struct {
	domain.Epic
}

type EpicListResponse struct {
	Items []domain.Epic `json:"items"`
}

type TaskResponse struct {
	domain.Task
	Progress         lifecycle.Progress `json:"progress"`
	ValidTransitions []lifecycle.State  `json:"valid_transitions"`

	// Validation is the newest validation run; set only on single-task reads.
	Validation *domain.ValidationRun `json:"validation,omitempty"`
}

func mapTask(t domain.Task) TaskResponse {
	return TaskResponse{
		Task:             t,
		Progress:         lifecycle.ProgressOf(t.State),
		ValidTransitions: lifecycle.ValidTransitions(t.State),
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, mapTask(t))
	}
	return out
}

type TaskListResponse struct {
	Items []TaskResponse `json:"items"`
}

type TransitionsResponse struct {
	TaskID           string            `json:"task_id"`
	State            lifecycle.State   `json:"state"`
	ValidTransitions []lifecycle.State `json:"valid_transitions"`
}

type ValidationRunListResponse struct {
	Items []domain.ValidationRun `json:"items"`
}

type AuditListResponse struct {
	Items []domain.AuditLogEntry `json:"items"`
}

type BoardResponse struct {
	reconcile.Board
	Counts map[lifecycle.Progress]int `json:"summary"`
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}
