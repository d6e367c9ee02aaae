package controlplane

import (
	"strings"
	"time"
)

// RunnerState represents the health state of a runner.
type RunnerState string

const (
	RunnerStateUnregistered RunnerState = "UNREGISTERED"
	RunnerStateIdle         RunnerState = "IDLE"
	RunnerStateBusy         RunnerState = "BUSY"
	RunnerStateOffline      RunnerState = "OFFLINE"
)

// ParseRunnerState resolves a state name. Matching is case-insensitive.
func ParseRunnerState(value string) (RunnerState, bool) {
	switch RunnerState(strings.ToUpper(strings.TrimSpace(value))) {
	case RunnerStateUnregistered:
		return RunnerStateUnregistered, true
	case RunnerStateIdle:
		return RunnerStateIdle, true
	case RunnerStateBusy:
		return RunnerStateBusy, true
	case RunnerStateOffline:
		return RunnerStateOffline, true
	}
	return "", false
}

// Runner describes a remote worker machine owned by a user.
type Runner struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Owner       string      `json:"owner"`
	State       RunnerState `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	LastContact *time.Time  `json:"last_contact"`
}

// Registered reports whether the runner completed the pairing handshake.
func (r *Runner) Registered() bool {
	return r.State != RunnerStateUnregistered
}

// RunnerStatus is the compact liveness view returned to owners.
type RunnerStatus struct {
	ID          string      `json:"id"`
	State       RunnerState `json:"state"`
	LastContact *time.Time  `json:"last_contact"`
}

// Credential is one issued runner secret. Only its digest is stored.
type Credential struct {
	ID        string     `json:"id"`
	RunnerID  string     `json:"runner_id"`
	Digest    string     `json:"digest"`
	IssuedAt  time.Time  `json:"issued_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the credential has not been revoked.
func (c *Credential) Active() bool {
	return c != nil && c.RevokedAt == nil
}

// SystemInfo describes runner hardware. Sizes are in bytes.
type SystemInfo struct {
	ID       string `json:"id"`
	RunnerID string `json:"runner_id"`

	SystemName         *string `json:"system_name"`
	SystemRelease      *string `json:"system_release"`
	SystemVersion      *string `json:"system_version"`
	SystemArchitecture *string `json:"system_architecture"`

	CPUModel                *string  `json:"cpu_model"`
	CPUClockSpeedAdvertised *float64 `json:"cpu_clock_speed_advertised"`
	CPUClockSpeedActual     *float64 `json:"cpu_clock_speed_actual"`
	CPULogicalCores         *int64   `json:"cpu_logical_cores"`
	CPUPhysicalCores        *int64   `json:"cpu_physical_cores"`
	CPUCacheL1Size          *int64   `json:"cpu_cache_l1_size"`
	CPUCacheL2Size          *int64   `json:"cpu_cache_l2_size"`
	CPUCacheL3Size          *int64   `json:"cpu_cache_l3_size"`

	RAMSizeTotal *int64 `json:"ram_size_total"`

	DiskSizeTotal     *int64 `json:"disk_size_total"`
	DiskSizeAvailable *int64 `json:"disk_size_available"`

	GPUVendor        *string  `json:"gpu_vendor"`
	GPUModel         *string  `json:"gpu_model"`
	GPUMemorySize    *int64   `json:"gpu_memory_size"`
	GPUClockSpeed    *float64 `json:"gpu_clock_speed"`
	GPUComputeUnits  *int64   `json:"gpu_compute_units"`
	GPUCoreCount     *int64   `json:"gpu_core_count"`
	GPUDriverVersion *string  `json:"gpu_driver_version"`
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued                JobStatus = "QUEUED"
	JobStatusPreparing             JobStatus = "PREPARING"
	JobStatusFetchingResources     JobStatus = "FETCHING_RESOURCES"
	JobStatusStarting              JobStatus = "STARTING"
	JobStatusRunning               JobStatus = "RUNNING"
	JobStatusPaused                JobStatus = "PAUSED"
	JobStatusCleaningUp            JobStatus = "CLEANING_UP"
	JobStatusUploadingResults      JobStatus = "UPLOADING_RESULTS"
	JobStatusSucceeded             JobStatus = "SUCCEEDED"
	JobStatusFailed                JobStatus = "FAILED"
	JobStatusFailedResourceError   JobStatus = "FAILED_RESOURCE_ERROR"
	JobStatusFailedTerminated      JobStatus = "FAILED_TERMINATED"
	JobStatusFailedTimeout         JobStatus = "FAILED_TIMEOUT"
	JobStatusFailedRunnerException JobStatus = "FAILED_RUNNER_EXCEPTION"
)

const (
	MinJobPriority = 0
	MaxJobPriority = 100
	DefaultJobName = "job"
)

// Job is a unit of work optionally bound to a runner.
type Job struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Priority              int       `json:"priority"`
	Status                JobStatus `json:"status"`
	CreatedBy             string    `json:"created_by"`
	AssignedRunner        *string   `json:"assigned_runner"`
	ApplicationID         *string   `json:"application_id"`
	Executable            string    `json:"executable"`
	CommandLineArgs       []string  `json:"command_line_args"`
	WorkingDirectory      *string   `json:"working_directory"`
	LocalWorkingDirectory string    `json:"local_working_directory"`
	ExitCode              *int      `json:"exit_code"`
	Version               int64     `json:"version"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// AssignedTo reports whether the job is assigned to the given runner.
func (j *Job) AssignedTo(runnerID string) bool {
	return j.AssignedRunner != nil && *j.AssignedRunner == runnerID
}

func (j *Job) clone() *Job {
	c := *j
	c.CommandLineArgs = append([]string(nil), j.CommandLineArgs...)
	c.AssignedRunner = cloneString(j.AssignedRunner)
	c.ApplicationID = cloneString(j.ApplicationID)
	c.WorkingDirectory = cloneString(j.WorkingDirectory)
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return &c
}

// LocalWorkingDirectory derives the server-side directory for a job.
func LocalWorkingDirectory(ownerID, jobID string) string {
	return "user_" + ownerID + "/job_" + jobID
}

// ResourceType classifies a job resource file.
type ResourceType string

const (
	ResourceInput  ResourceType = "INPUT"
	ResourceOutput ResourceType = "OUTPUT"
	ResourceConfig ResourceType = "CONFIG"
	ResourceLog    ResourceType = "LOG"
	ResourceTemp   ResourceType = "TEMP"
	ResourceResult ResourceType = "RESULT"
)

// ResourceTypes lists every resource type in display order.
var ResourceTypes = []ResourceType{
	ResourceInput, ResourceOutput, ResourceConfig, ResourceLog, ResourceTemp, ResourceResult,
}

// ParseResourceType resolves a resource type name. Empty input defaults to INPUT.
func ParseResourceType(value string) (ResourceType, bool) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if value == "" {
		return ResourceInput, true
	}
	for _, rt := range ResourceTypes {
		if string(rt) == value {
			return rt, true
		}
	}
	return "", false
}

// JobResource is metadata for a file that belongs to a job.
type JobResource struct {
	ID               string       `json:"id"`
	JobID            string       `json:"job"`
	ResourceType     ResourceType `json:"resource_type"`
	File             string       `json:"file"`
	Filename         string       `json:"filename"`
	Description      string       `json:"description"`
	OriginalFilePath string       `json:"original_file_path"`
	Size             int64        `json:"size"`
	CreatedBy        *string      `json:"created_by"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Principal is the authenticated caller. Runner is set only for runner credentials.
type Principal struct {
	UserID string
	Runner *Runner
}

// IsRunner reports whether the principal authenticated with a runner credential.
func (p Principal) IsRunner() bool {
	return p.Runner != nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
