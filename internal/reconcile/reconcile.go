// Package reconcile builds the read-only board view: stored tasks alongside
// the state their GitHub signals imply.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"epicflow/internal/correlate"
	"epicflow/internal/domain"
	"epicflow/internal/lifecycle"
	"epicflow/internal/signals"
)

// Source is the collaborator the board reads from.
type Source interface {
	ListIssues(ctx context.Context, owner, repo string) ([]signals.Issue, error)
	ListPullRequests(ctx context.Context, owner, repo string) ([]signals.PullRequest, error)
	GetCheckRuns(ctx context.Context, owner, repo, sha string) ([]signals.CheckRun, error)
}

// MaxConcurrentChecks bounds parallel check-run lookups.
const MaxConcurrentChecks = 8

type Reconciler struct {
	Source Source
	Logger *slog.Logger
}

type Card struct {
	Task        domain.Task          `json:"task"`
	Stored      lifecycle.Progress   `json:"stored_progress"`
	Derived     signals.Resolution   `json:"derived"`
	Issue       *signals.Issue       `json:"issue,omitempty"`
	PullRequest *signals.PullRequest `json:"pull_request,omitempty"`
	Ambiguity   int                  `json:"ambiguity,omitempty"`
	// Drift is set when the derived progress disagrees with the stored state.
	Drift bool `json:"drift"`
}

type Board struct {
	Epic     domain.Epic `json:"epic"`
	Cards    []Card      `json:"cards"`
	Degraded bool        `json:"degraded"`
	Cause    string      `json:"cause,omitempty"`
}

func (r Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Board never writes to the store. Collaborator failures degrade the result
// instead of failing it.
func (r Reconciler) Board(ctx context.Context, epic domain.Epic, tasks []domain.Task) Board {
	b := Board{Epic: epic, Cards: make([]Card, len(tasks))}
	for i, t := range tasks {
		b.Cards[i] = Card{Task: t, Stored: lifecycle.ProgressOf(t.State)}
	}

	var cause string
	switch {
	case r.Source == nil:
		cause = "collaborator not configured"
	case epic.Repo.Empty():
		cause = "epic has no repository"
	}
	if cause != "" {
		return degrade(b, cause)
	}

	var issues []signals.Issue
	var prs []signals.PullRequest
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		issues, err = r.Source.ListIssues(gctx, epic.Repo.Owner, epic.Repo.Name)
		return err
	})
	g.Go(func() error {
		var err error
		prs, err = r.Source.ListPullRequests(gctx, epic.Repo.Owner, epic.Repo.Name)
		return err
	})
	if err := g.Wait(); err != nil {
		r.logger().Warn("board degraded", "epic", epic.ID, "repo", epic.Repo.String(), "err", err)
		return degrade(b, err.Error())
	}

	checks := make([][]signals.CheckRun, len(tasks))
	cg, cctx := errgroup.WithContext(ctx)
	cg.SetLimit(MaxConcurrentChecks)
	for i := range b.Cards {
		m := correlate.Correlate(b.Cards[i].Task.Title, issues, prs)
		b.Cards[i].Issue = m.Issue
		b.Cards[i].PullRequest = m.PullRequest
		b.Cards[i].Ambiguity = m.Ambiguity
		if m.PullRequest == nil || m.PullRequest.HeadSHA == "" {
			continue
		}
		sha := m.PullRequest.HeadSHA
		cg.Go(func() error {
			runs, err := r.Source.GetCheckRuns(cctx, epic.Repo.Owner, epic.Repo.Name, sha)
			if err != nil {
				// Only this card loses its checks.
				r.logger().Warn("check runs unavailable", "task", b.Cards[i].Task.ID, "sha", sha, "err", err)
				return nil
			}
			checks[i] = runs
			return nil
		})
	}
	_ = cg.Wait()

	for i := range b.Cards {
		c := &b.Cards[i]
		c.Derived = signals.Resolve(c.Issue, c.PullRequest, checks[i])
		c.Drift = c.Derived.Progress != c.Stored
	}
	return b
}

func degrade(b Board, cause string) Board {
	b.Degraded = true
	b.Cause = cause
	for i := range b.Cards {
		c := &b.Cards[i]
		c.Derived = signals.NoSignal(cause)
		c.Drift = c.Derived.Progress != c.Stored
	}
	return b
}

// Summary counts cards per derived progress category.
func (b Board) Summary() map[lifecycle.Progress]int {
	out := map[lifecycle.Progress]int{}
	for _, c := range b.Cards {
		out[c.Derived.Progress]++
	}
	return out
}

func (b Board) String() string {
	drift := 0
	for _, c := range b.Cards {
		if c.Drift {
			drift++
		}
	}
	return fmt.Sprintf("%s: %d tasks, %d drifting, degraded=%t", b.Epic.Title, len(b.Cards), drift, b.Degraded)
}
