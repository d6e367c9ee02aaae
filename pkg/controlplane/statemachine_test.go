package controlplane

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusQueued, JobStatusQueued, true},
		{JobStatusQueued, JobStatusPreparing, true},
		{JobStatusQueued, JobStatusRunning, true},
		{JobStatusRunning, JobStatusPaused, true},
		{JobStatusPaused, JobStatusRunning, true},
		{JobStatusPaused, JobStatusCleaningUp, false},
		{JobStatusQueued, JobStatusPaused, false},
		{JobStatusRunning, JobStatusStarting, false},
		{JobStatusUploadingResults, JobStatusSucceeded, true},
		{JobStatusPaused, JobStatusFailedTimeout, true},
		{JobStatusQueued, JobStatusFailedTerminated, true},
		{JobStatusSucceeded, JobStatusFailed, false},
		{JobStatusSucceeded, JobStatusQueued, false},
		{JobStatusFailed, JobStatusRunning, false},
		{JobStatusFailedRunnerException, JobStatusFailedRunnerException, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestParseJobStatus(t *testing.T) {
	for _, value := range []string{"QUEUED", "PAUSED", "FAILED_TIMEOUT", "SUCCEEDED"} {
		if _, ok := ParseJobStatus(value); !ok {
			t.Fatalf("expected %s to parse", value)
		}
	}
	if _, ok := ParseJobStatus("queued"); ok {
		t.Fatalf("status names are case sensitive")
	}
	if _, ok := ParseJobStatus("DONE"); ok {
		t.Fatalf("unexpected status DONE accepted")
	}
	if !JobStatusFailedResourceError.IsTerminal() || JobStatusPaused.IsTerminal() {
		t.Fatalf("terminal classification is wrong")
	}
}
