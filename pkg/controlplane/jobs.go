package controlplane

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Publisher delivers "new job" notifications to a runner.
type Publisher interface {
	Publish(ctx context.Context, runnerID, jobID string) error
}

// AppCatalog resolves application ids referenced by jobs.
type AppCatalog interface {
	Exists(ctx context.Context, applicationID string) (bool, error)
}

// Jobs exposes the owner and runner views over job records.
type Jobs struct {
	repo      Repository
	publisher Publisher
	apps      AppCatalog
	blobs     BlobStore
	clock     clock.Clock
	logger    Logger
}

// JobsConfig carries the optional collaborators of Jobs.
type JobsConfig struct {
	Publisher Publisher
	Apps      AppCatalog
	Blobs     BlobStore
	Clock     clock.Clock
	Logger    Logger
}

func NewJobs(repo Repository, cfg JobsConfig) *Jobs {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Jobs{
		repo:      repo,
		publisher: cfg.Publisher,
		apps:      cfg.Apps,
		blobs:     cfg.Blobs,
		clock:     cfg.Clock,
		logger:    loggerOrNop(cfg.Logger),
	}
}

// Create stores a new QUEUED job owned by the caller and notifies the
// assigned runner once the job is visible.
func (s *Jobs) Create(ctx context.Context, p Principal, fields Fields) (*Job, error) {
	if p.IsRunner() {
		return nil, ErrMethodNotAllowed("Runners cannot create jobs.")
	}
	now := s.clock.Now().UTC()
	job := &Job{
		ID:              uuid.NewString(),
		Name:            DefaultJobName,
		Status:          JobStatusQueued,
		CreatedBy:       p.UserID,
		CommandLineArgs: []string{},
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := applyJobFields(job, fields, false); err != nil {
		return nil, err
	}
	if job.Status != JobStatusQueued {
		return nil, ErrValidation("new jobs must start in %s", JobStatusQueued)
	}
	job.LocalWorkingDirectory = LocalWorkingDirectory(p.UserID, job.ID)

	var runner *Runner
	if job.AssignedRunner != nil {
		r, err := s.repo.GetRunner(ctx, *job.AssignedRunner)
		if err != nil {
			if IsKind(err, KindNotFound) {
				return nil, ErrValidation("assigned runner %s does not exist", *job.AssignedRunner)
			}
			return nil, err
		}
		runner = r
	}
	if err := s.checkApplication(ctx, job.ApplicationID); err != nil {
		return nil, err
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job created", "job_id", job.ID, "owner", p.UserID)

	if runner != nil && runner.Registered() && job.Status == JobStatusQueued {
		s.notify(ctx, runner.ID, job.ID)
	}
	return job, nil
}

// Get returns a job visible to p.
func (s *Jobs) Get(ctx context.Context, p Principal, id string) (*Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visible(p, job) {
		return nil, ErrNotFound("job", id)
	}
	return job, nil
}

// List returns the jobs created by an owner, or assigned to a runner.
func (s *Jobs) List(ctx context.Context, p Principal) ([]Job, error) {
	if p.IsRunner() {
		return s.repo.ListJobs(ctx, JobFilter{AssignedRunner: p.Runner.ID})
	}
	return s.repo.ListJobs(ctx, JobFilter{CreatedBy: p.UserID})
}

// Update applies a partial update. A non-zero expectedVersion must match the
// stored version. Runners are limited to the progress fields.
func (s *Jobs) Update(ctx context.Context, p Principal, id string, fields Fields, expectedVersion int64) (*Job, error) {
	if len(fields) == 0 {
		return s.Get(ctx, p, id)
	}
	if p.IsRunner() {
		if err := checkRunnerJobFields(fields); err != nil {
			return nil, err
		}
	}

	// The repository validates a changed assigned_runner while the job is locked.
	var previous *Job
	updated, err := s.repo.UpdateJob(ctx, id, func(job *Job) error {
		if !visible(p, job) {
			return ErrNotFound("job", id)
		}
		if expectedVersion != 0 && job.Version != expectedVersion {
			return ErrConflict("job %s was modified (version %d, expected %d)", id, job.Version, expectedVersion)
		}
		previous = job.clone()
		if err := applyJobFields(job, fields, p.IsRunner()); err != nil {
			return err
		}
		if job.Status != previous.Status {
			if !p.IsRunner() && job.Status != JobStatusFailedTerminated {
				return ErrValidation("owners can only terminate a job (status %s)", JobStatusFailedTerminated)
			}
			if !previous.Status.CanTransition(job.Status) {
				return ErrConflict("job %s cannot move from %s to %s", id, previous.Status, job.Status)
			}
		}
		if previous.ExitCode != nil && !sameInt(previous.ExitCode, job.ExitCode) {
			return ErrConflict("job %s exit code is already set", id)
		}
		if job.ApplicationID != nil && !sameString(previous.ApplicationID, job.ApplicationID) {
			if err := s.checkApplication(ctx, job.ApplicationID); err != nil {
				return err
			}
		}
		job.UpdatedAt = s.clock.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job updated", "job_id", id, "status", updated.Status, "version", updated.Version)

	if updated.AssignedRunner != nil && !sameString(previous.AssignedRunner, updated.AssignedRunner) && updated.Status == JobStatusQueued {
		runner, err := s.repo.GetRunner(ctx, *updated.AssignedRunner)
		if err == nil && runner.Registered() {
			s.notify(ctx, runner.ID, updated.ID)
		}
	}
	return updated, nil
}

// Delete removes an owner's job together with its resources and their blobs.
func (s *Jobs) Delete(ctx context.Context, p Principal, id string) error {
	if p.IsRunner() {
		return ErrMethodNotAllowed("Runners cannot delete jobs.")
	}
	if _, err := s.Get(ctx, p, id); err != nil {
		return err
	}
	removed, err := s.repo.DeleteJob(ctx, id)
	if err != nil {
		return err
	}
	var firstErr error
	for _, res := range removed {
		if s.blobs == nil {
			break
		}
		if err := s.blobs.Delete(ctx, res.File); err != nil {
			s.logger.Error("delete resource blob", "job_id", id, "file", res.File, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return Internal("release job resource files", firstErr)
	}
	s.logger.Info("job deleted", "job_id", id, "resources", len(removed))
	return nil
}

// ResourceSummary counts a job's resources per type.
func (s *Jobs) ResourceSummary(ctx context.Context, p Principal, id string) (map[ResourceType]int, error) {
	if _, err := s.Get(ctx, p, id); err != nil {
		return nil, err
	}
	resources, err := s.repo.ListResources(ctx, ResourceFilter{JobID: id})
	if err != nil {
		return nil, err
	}
	summary := make(map[ResourceType]int, len(ResourceTypes))
	for _, rt := range ResourceTypes {
		summary[rt] = 0
	}
	for _, res := range resources {
		summary[res.ResourceType]++
	}
	return summary, nil
}

func (s *Jobs) checkApplication(ctx context.Context, applicationID *string) error {
	if applicationID == nil || s.apps == nil {
		return nil
	}
	ok, err := s.apps.Exists(ctx, *applicationID)
	if err != nil {
		return Internal("lookup application", err)
	}
	if !ok {
		return ErrValidation("application %s does not exist", *applicationID)
	}
	return nil
}

func (s *Jobs) notify(ctx context.Context, runnerID, jobID string) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, runnerID, jobID); err != nil {
		s.logger.Error("publish job notification", "runner_id", runnerID, "job_id", jobID, "error", err)
	}
}

func visible(p Principal, job *Job) bool {
	if p.IsRunner() {
		return job.AssignedTo(p.Runner.ID)
	}
	return job.CreatedBy == p.UserID
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
