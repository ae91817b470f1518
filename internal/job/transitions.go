package job

import "time"

var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusCancelled},
	StatusReady:      {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusReady, StatusFailed},
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the job to status to, bumping UpdatedAt.
// Terminal statuses also stamp CompletedAt.
func (j *Job) Transition(op string, to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return &InvalidTransitionError{JobID: j.ID, Op: op, From: j.Status, To: to}
	}
	j.Status = to
	j.UpdatedAt = now
	if to.IsTerminal() {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// AdvanceProgress raises progress to pct, ignoring values that would move it backwards.
func (j *Job) AdvanceProgress(pct int) bool {
	if pct > 100 {
		pct = 100
	}
	if pct <= j.Progress {
		return false
	}
	j.Progress = pct
	return true
}
