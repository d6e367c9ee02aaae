package controlplane

// progression is the happy path. PAUSED sits beside RUNNING and is handled separately.
var progression = []JobStatus{
	JobStatusQueued,
	JobStatusPreparing,
	JobStatusFetchingResources,
	JobStatusStarting,
	JobStatusRunning,
	JobStatusCleaningUp,
	JobStatusUploadingResults,
	JobStatusSucceeded,
}

var failureStatuses = map[JobStatus]struct{}{
	JobStatusFailed:                {},
	JobStatusFailedResourceError:   {},
	JobStatusFailedTerminated:      {},
	JobStatusFailedTimeout:         {},
	JobStatusFailedRunnerException: {},
}

// ParseJobStatus reports whether value names a defined job status.
func ParseJobStatus(value string) (JobStatus, bool) {
	status := JobStatus(value)
	if status == JobStatusPaused || status.IsFailure() {
		return status, true
	}
	if progressIndex(status) >= 0 {
		return status, true
	}
	return "", false
}

// IsFailure reports whether s is one of the FAILED_* variants.
func (s JobStatus) IsFailure() bool {
	_, ok := failureStatuses[s]
	return ok
}

// IsTerminal reports whether no further transition may leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s.IsFailure()
}

// CanTransition reports whether a job may move from s to next.
//
// Self transitions are no-ops and always allowed. Terminal states never move.
// Any non-terminal state may fail. PAUSED only pairs with RUNNING. Otherwise
// the job may only move forward along the happy path, optionally skipping phases.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next.IsFailure() {
		return true
	}
	switch {
	case next == JobStatusPaused:
		return s == JobStatusRunning
	case s == JobStatusPaused:
		return next == JobStatusRunning
	}
	from, to := progressIndex(s), progressIndex(next)
	return from >= 0 && to > from
}

func progressIndex(s JobStatus) int {
	for idx, status := range progression {
		if status == s {
			return idx
		}
	}
	return -1
}
