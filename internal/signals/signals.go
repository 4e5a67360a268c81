// Package signals derives a task's perceived lifecycle state from external
// collaborator artifacts: an issue, a pull request and its check runs.
//
// Resolution never touches stored state. The result is expressed in the
// canonical lifecycle.State enum with this mapping, first match wins:
//
//	merged PR                          -> MERGED
//	closed issue                       -> DONE
//	"blocked" issue label / failing CI -> BLOCKED
//	open draft PR                      -> RUNNING
//	open PR, checks still running      -> VALIDATING
//	open PR otherwise                  -> PR_READY
//	open issue                         -> RUNNING
//	nothing                            -> PLANNED
package signals

import (
	"fmt"
	"strings"

	"epicflow/internal/lifecycle"
)

// Issue is the subset of an issue the resolver reads.
type Issue struct {
	Number int      `json:"number,omitempty"`
	Title  string   `json:"title"`
	State  string   `json:"state"`
	Labels []string `json:"labels,omitempty"`
	URL    string   `json:"url,omitempty"`
}

// PullRequest is the subset of a pull request the resolver reads.
type PullRequest struct {
	Number  int    `json:"number,omitempty"`
	Title   string `json:"title"`
	State   string `json:"state"`
	Merged  bool   `json:"merged"`
	Draft   bool   `json:"draft"`
	HeadSHA string `json:"head_sha,omitempty"`
	URL     string `json:"url,omitempty"`
}

// CheckRun is one CI check for a pull request's head commit.
type CheckRun struct {
	Name       string `json:"name,omitempty"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

// Resolution is the derived state plus an explanation.
type Resolution struct {
	State    lifecycle.State    `json:"state"`
	Progress lifecycle.Progress `json:"progress"`
	Reason   string             `json:"reason"`
	URL      string             `json:"url,omitempty"`
}

var failingConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"cancelled":       true,
	"action_required": true,
	"startup_failure": true,
}

// ChecksFailing reports whether any completed check concluded unsuccessfully.
func ChecksFailing(checks []CheckRun) bool {
	for _, c := range checks {
		if strings.EqualFold(c.Status, "completed") && failingConclusions[strings.ToLower(c.Conclusion)] {
			return true
		}
	}
	return false
}

// ChecksPending reports whether any check has not completed yet.
func ChecksPending(checks []CheckRun) bool {
	for _, c := range checks {
		if !strings.EqualFold(c.Status, "completed") {
			return true
		}
	}
	return false
}

// HasBlockedLabel matches labels containing "blocked", case-insensitively.
func HasBlockedLabel(labels []string) bool {
	for _, l := range labels {
		if strings.Contains(strings.ToLower(l), "blocked") {
			return true
		}
	}
	return false
}

func isOpen(state string) bool   { return strings.EqualFold(state, "open") }
func isClosed(state string) bool { return strings.EqualFold(state, "closed") }

// Resolve computes the perceived state. issue and pr may be nil; checks only
// matter when pr is present.
func Resolve(issue *Issue, pr *PullRequest, checks []CheckRun) Resolution {
	if pr == nil {
		checks = nil
	}
	switch {
	case pr != nil && pr.Merged:
		return result(lifecycle.Merged, fmt.Sprintf("pull request %s merged", prLabel(pr)), pr.URL)
	case issue != nil && isClosed(issue.State):
		return result(lifecycle.Done, fmt.Sprintf("issue %s closed", issueLabel(issue)), issue.URL)
	case issue != nil && HasBlockedLabel(issue.Labels):
		return result(lifecycle.Blocked, fmt.Sprintf("issue %s labeled blocked", issueLabel(issue)), issue.URL)
	case ChecksFailing(checks):
		return result(lifecycle.Blocked, fmt.Sprintf("checks failing on pull request %s", prLabel(pr)), pr.URL)
	case pr != nil && isOpen(pr.State):
		switch {
		case pr.Draft:
			return result(lifecycle.Running, fmt.Sprintf("draft pull request %s open", prLabel(pr)), pr.URL)
		case ChecksPending(checks):
			return result(lifecycle.Validating, fmt.Sprintf("pull request %s open, checks running", prLabel(pr)), pr.URL)
		default:
			return result(lifecycle.PRReady, fmt.Sprintf("pull request %s open for review", prLabel(pr)), pr.URL)
		}
	case issue != nil && isOpen(issue.State):
		return result(lifecycle.Running, fmt.Sprintf("issue %s open", issueLabel(issue)), issue.URL)
	default:
		return result(lifecycle.Planned, "no linked issue or pull request", "")
	}
}

// NoSignal is the degraded resolution used when the collaborator is
// unreachable.
func NoSignal(cause string) Resolution {
	return result(lifecycle.Planned, "no signal: "+cause, "")
}

func result(s lifecycle.State, reason, url string) Resolution {
	return Resolution{State: s, Progress: lifecycle.ProgressOf(s), Reason: reason, URL: url}
}

func prLabel(pr *PullRequest) string {
	if pr.Number > 0 {
		return fmt.Sprintf("#%d", pr.Number)
	}
	return fmt.Sprintf("%q", pr.Title)
}

func issueLabel(is *Issue) string {
	if is.Number > 0 {
		return fmt.Sprintf("#%d", is.Number)
	}
	return fmt.Sprintf("%q", is.Title)
}
