// Package lifecycle defines the task state machine: the closed set of task
// states and the adjacency table of legal transitions between them.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// State is the authoritative lifecycle state of a task.
type State string

const (
	Planned         State = "PLANNED"
	Running         State = "RUNNING"
	PRReady         State = "PR_READY"
	Validating      State = "VALIDATING"
	Fixing          State = "FIXING"
	ApprovalPending State = "APPROVAL_PENDING"
	Merged          State = "MERGED"
	Done            State = "DONE"
	Blocked         State = "BLOCKED"
)

// All lists every state in lifecycle order.
var All = []State{Planned, Running, PRReady, Validating, Fixing, ApprovalPending, Merged, Done, Blocked}

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError names both endpoints of a rejected transition.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s → %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions is the authoritative adjacency table. Order within each list is
// the order ValidTransitions reports.
var transitions = map[State][]State{
	Planned:         {Running, Blocked},
	Running:         {PRReady, Blocked},
	PRReady:         {Validating, Blocked},
	Validating:      {ApprovalPending, Fixing, Blocked},
	Fixing:          {Validating, Blocked},
	ApprovalPending: {Merged, Blocked},
	Merged:          {Done, Blocked},
	Blocked:         {Planned, Running, PRReady, Validating, Fixing, ApprovalPending},
	Done:            {},
}

// CanTransition reports whether to is in the adjacency list of from.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns a copy of the adjacency list for from. Unknown and
// terminal states yield an empty slice.
func ValidTransitions(from State) []State {
	next := transitions[from]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// Validate returns a *TransitionError when from → to is not legal.
func Validate(from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s State) String() string { return string(s) }

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s State) bool {
	return s.Valid() && len(transitions[s]) == 0
}

// IsExecution reports whether entering s counts as a new attempt.
func IsExecution(s State) bool {
	return s == Running || s == Fixing
}

// Parse accepts state names case-insensitively, with '-' or ' ' in place of '_'.
func Parse(raw string) (State, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	s := State(norm)
	if !s.Valid() {
		return "", fmt.Errorf("unknown task state %q", raw)
	}
	return s, nil
}
