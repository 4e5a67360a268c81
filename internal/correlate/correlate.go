// Package correlate associates free-text task titles with issues and pull
// requests by fuzzy title matching. It is a heuristic: overlapping titles
// resolve to the first candidate in list order.
package correlate

import (
	"strings"

	"epicflow/internal/signals"
)

// Normalize lower-cases s, collapses every run of runes outside [a-z0-9] to a
// single '-' and trims leading and trailing '-'. Non-ASCII letters and digits
// are separators.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// Matches reports whether candidate is considered the same work as task.
func Matches(task, candidate string) bool {
	task = strings.TrimSpace(task)
	if task == "" {
		return false
	}
	if strings.Contains(strings.ToLower(candidate), strings.ToLower(task)) {
		return true
	}
	nt, nc := Normalize(task), Normalize(candidate)
	if nt == "" || nc == "" {
		return false
	}
	return strings.Contains(nc, nt) || strings.Contains(nt, nc)
}

// Match is the correlation result for one task title.
type Match struct {
	Issue       *signals.Issue
	PullRequest *signals.PullRequest
	// Ambiguity counts candidates that also matched but lost to an earlier one.
	Ambiguity int
}

// Correlate selects the first matching issue and the first matching pull
// request for title.
func Correlate(title string, issues []signals.Issue, prs []signals.PullRequest) Match {
	var m Match
	for i := range issues {
		if !Matches(title, issues[i].Title) {
			continue
		}
		if m.Issue == nil {
			m.Issue = &issues[i]
		} else {
			m.Ambiguity++
		}
	}
	for i := range prs {
		if !Matches(title, prs[i].Title) {
			continue
		}
		if m.PullRequest == nil {
			m.PullRequest = &prs[i]
		} else {
			m.Ambiguity++
		}
	}
	return m
}
