package lifecycle

// Progress is the coarse display category of a state. It is a projection of
// State, not a separate lifecycle.
type Progress string

const (
	NotStarted Progress = "not-started"
	InProgress Progress = "in-progress"
	Stalled    Progress = "blocked"
	Complete   Progress = "done"
)

// ProgressOf projects s onto its display category.
func ProgressOf(s State) Progress {
	switch s {
	case Planned:
		return NotStarted
	case Blocked:
		return Stalled
	case Merged, Done:
		return Complete
	case Running, PRReady, Validating, Fixing, ApprovalPending:
		return InProgress
	default:
		return NotStarted
	}
}
