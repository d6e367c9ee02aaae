package controlplane

import (
	"context"
	"time"
)

// RunnerMutation is invoked with the runner and its active credential while the
// runner is locked. It may modify runner in place and may return a credential
// to replace the active one. Returning an error aborts the mutation.
type RunnerMutation func(runner *Runner, active *Credential) (*Credential, error)

// JobFilter narrows ListJobs. Empty fields do not filter.
type JobFilter struct {
	CreatedBy      string
	AssignedRunner string
}

// ResourceFilter narrows ListResources. Empty fields do not filter.
type ResourceFilter struct {
	JobID          string
	JobOwner       string
	AssignedRunner string
	ResourceType   ResourceType
	Filename       string
}

// Repository defines the storage operations required by the control plane services.
type Repository interface {
	CreateRunner(ctx context.Context, runner *Runner, credential *Credential) error
	GetRunner(ctx context.Context, id string) (*Runner, error)
	ListRunners(ctx context.Context, owner string) ([]Runner, error)
	MutateRunner(ctx context.Context, id string, fn RunnerMutation) (*Runner, error)
	DeleteRunner(ctx context.Context, id string) error
	FindRunnerByCredential(ctx context.Context, digest string) (*Runner, error)
	MarkStaleRunners(ctx context.Context, cutoff time.Time) ([]string, error)

	UpdateSystemInfo(ctx context.Context, runnerID string, fn func(info *SystemInfo) error) (*SystemInfo, error)
	ListSystemInfo(ctx context.Context, owner string) ([]SystemInfo, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	UpdateJob(ctx context.Context, id string, fn func(job *Job) error) (*Job, error)
	DeleteJob(ctx context.Context, id string) ([]JobResource, error)

	CreateResource(ctx context.Context, resource *JobResource) error
	GetResource(ctx context.Context, id string) (*JobResource, error)
	ListResources(ctx context.Context, filter ResourceFilter) ([]JobResource, error)
	DeleteResource(ctx context.Context, id string) error

	Close() error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*PostgresStore)(nil)
)
