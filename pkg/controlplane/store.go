package controlplane

import (
	"context"
	encodingjson "encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Store keeps control plane state in memory. When path is set every mutation
// is flushed to a JSON file so state survives restarts.
type Store struct {
	path        string
	clock       clock.Clock
	mu          sync.RWMutex
	runners     map[string]*Runner
	credentials map[string][]*Credential
	systems     map[string]*SystemInfo
	jobs        map[string]*Job
	resources   map[string]*JobResource
}

type persistContainer struct {
	Runners     []*Runner      `json:"runners"`
	Credentials []*Credential  `json:"credentials"`
	Systems     []*SystemInfo  `json:"systems"`
	Jobs        []*Job         `json:"jobs"`
	Resources   []*JobResource `json:"resources"`
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreClock sets the clock used for timestamps the store writes itself.
func WithStoreClock(clk clock.Clock) StoreOption {
	return func(s *Store) {
		if clk != nil {
			s.clock = clk
		}
	}
}

// NewStore opens a store. An empty path keeps everything in memory only.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:        path,
		clock:       clock.New(),
		runners:     make(map[string]*Runner),
		credentials: make(map[string][]*Credential),
		systems:     make(map[string]*SystemInfo),
		jobs:        make(map[string]*Job),
		resources:   make(map[string]*JobResource),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var container persistContainer
	if err := encodingjson.Unmarshal(data, &container); err != nil {
		return fmt.Errorf("parse control plane store: %w", err)
	}
	for _, r := range container.Runners {
		s.runners[r.ID] = r
	}
	for _, c := range container.Credentials {
		s.credentials[c.RunnerID] = append(s.credentials[c.RunnerID], c)
	}
	for _, info := range container.Systems {
		s.systems[info.RunnerID] = info
	}
	for _, j := range container.Jobs {
		s.jobs[j.ID] = j
	}
	for _, res := range container.Resources {
		s.resources[res.ID] = res
	}
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	container := persistContainer{}
	for _, r := range s.runners {
		container.Runners = append(container.Runners, r)
		container.Credentials = append(container.Credentials, s.credentials[r.ID]...)
		if info, ok := s.systems[r.ID]; ok {
			container.Systems = append(container.Systems, info)
		}
	}
	for _, j := range s.jobs {
		container.Jobs = append(container.Jobs, j)
	}
	for _, res := range s.resources {
		container.Resources = append(container.Resources, res)
	}
	payload, err := encodingjson.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// commit persists the current maps. When that fails, rollback restores the
// in-memory state so it never diverges from what callers were told.
func (s *Store) commit(rollback func()) error {
	if err := s.save(); err != nil {
		rollback()
		return fmt.Errorf("persist control plane store: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) CreateRunner(_ context.Context, runner *Runner, credential *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runner.ID == "" {
		runner.ID = uuid.NewString()
	}
	if _, exists := s.runners[runner.ID]; exists {
		return ErrDuplicate("runner %s already exists", runner.ID)
	}
	copyRunner := *runner
	s.runners[runner.ID] = &copyRunner
	if credential != nil {
		copyCred := *credential
		copyCred.RunnerID = runner.ID
		s.credentials[runner.ID] = []*Credential{&copyCred}
	}
	return s.commit(func() {
		delete(s.runners, runner.ID)
		delete(s.credentials, runner.ID)
	})
}

func (s *Store) GetRunner(_ context.Context, id string) (*Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runner, ok := s.runners[id]
	if !ok {
		return nil, ErrNotFound("runner", id)
	}
	return copyRunner(runner), nil
}

func (s *Store) ListRunners(_ context.Context, owner string) ([]Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Runner, 0)
	for _, runner := range s.runners {
		if owner != "" && runner.Owner != owner {
			continue
		}
		result = append(result, *copyRunner(runner))
	}
	sort.Slice(result, func(i, j int) bool {
		return lessByCreation(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return result, nil
}

func (s *Store) MutateRunner(_ context.Context, id string, fn RunnerMutation) (*Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runner, ok := s.runners[id]
	if !ok {
		return nil, ErrNotFound("runner", id)
	}
	active := s.activeCredential(id)
	updated := copyRunner(runner)
	var activeCopy *Credential
	if active != nil {
		c := *active
		activeCopy = &c
	}
	next, err := fn(updated, activeCopy)
	if err != nil {
		return nil, err
	}
	updated.ID = runner.ID
	updated.Owner = runner.Owner
	updated.CreatedAt = runner.CreatedAt

	prevCreds := s.credentials[id]
	var prevRevoked *time.Time
	if active != nil {
		prevRevoked = active.RevokedAt
	}
	s.runners[id] = updated
	if next != nil {
		now := next.IssuedAt
		if active != nil {
			active.RevokedAt = &now
		}
		c := *next
		c.RunnerID = id
		s.credentials[id] = append(prevCreds[:len(prevCreds):len(prevCreds)], &c)
	}
	err = s.commit(func() {
		s.runners[id] = runner
		s.credentials[id] = prevCreds
		if active != nil {
			active.RevokedAt = prevRevoked
		}
	})
	if err != nil {
		return nil, err
	}
	return copyRunner(updated), nil
}

func (s *Store) activeCredential(runnerID string) *Credential {
	for _, c := range s.credentials[runnerID] {
		if c.Active() {
			return c
		}
	}
	return nil
}

func (s *Store) DeleteRunner(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runner, ok := s.runners[id]
	if !ok {
		return ErrNotFound("runner", id)
	}
	creds := s.credentials[id]
	info, hasInfo := s.systems[id]

	delete(s.runners, id)
	delete(s.credentials, id)
	delete(s.systems, id)
	now := s.clock.Now().UTC()
	unassigned := make(map[string]*Job)
	for jobID, job := range s.jobs {
		if job.AssignedTo(id) {
			updated := job.clone()
			updated.AssignedRunner = nil
			updated.UpdatedAt = now
			unassigned[jobID] = job
			s.jobs[jobID] = updated
		}
	}
	return s.commit(func() {
		s.runners[id] = runner
		s.credentials[id] = creds
		if hasInfo {
			s.systems[id] = info
		}
		for jobID, job := range unassigned {
			s.jobs[jobID] = job
		}
	})
}

func (s *Store) FindRunnerByCredential(_ context.Context, digest string) (*Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for runnerID, creds := range s.credentials {
		for _, c := range creds {
			if c.Active() && c.Digest == digest {
				if runner, ok := s.runners[runnerID]; ok {
					return copyRunner(runner), nil
				}
			}
		}
	}
	return nil, ErrAuthFailed("Invalid runner token.")
}

func (s *Store) MarkStaleRunners(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked []string
	previous := make(map[string]*Runner)
	for id, runner := range s.runners {
		if runner.State != RunnerStateIdle && runner.State != RunnerStateBusy {
			continue
		}
		if runner.LastContact == nil || runner.LastContact.Before(cutoff) {
			updated := copyRunner(runner)
			updated.State = RunnerStateOffline
			previous[id] = runner
			s.runners[id] = updated
			marked = append(marked, id)
		}
	}
	if len(marked) == 0 {
		return nil, nil
	}
	err := s.commit(func() {
		for id, runner := range previous {
			s.runners[id] = runner
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(marked)
	return marked, nil
}

func (s *Store) UpdateSystemInfo(_ context.Context, runnerID string, fn func(info *SystemInfo) error) (*SystemInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runners[runnerID]; !ok {
		return nil, ErrNotFound("runner", runnerID)
	}
	prev, existed := s.systems[runnerID]
	info := prev
	if !existed {
		info = &SystemInfo{ID: uuid.NewString(), RunnerID: runnerID}
	}
	updated := *info
	if err := fn(&updated); err != nil {
		return nil, err
	}
	updated.ID = info.ID
	updated.RunnerID = runnerID
	s.systems[runnerID] = &updated
	err := s.commit(func() {
		if existed {
			s.systems[runnerID] = prev
		} else {
			delete(s.systems, runnerID)
		}
	})
	if err != nil {
		return nil, err
	}
	out := updated
	return &out, nil
}

func (s *Store) ListSystemInfo(_ context.Context, owner string) ([]SystemInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]SystemInfo, 0)
	for runnerID, info := range s.systems {
		runner, ok := s.runners[runnerID]
		if !ok || runner.Owner != owner {
			continue
		}
		result = append(result, *info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RunnerID < result[j].RunnerID })
	return result, nil
}

func (s *Store) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicate("job %s already exists", job.ID)
	}
	if job.AssignedRunner != nil {
		if _, ok := s.runners[*job.AssignedRunner]; !ok {
			return ErrValidation("assigned runner %s does not exist", *job.AssignedRunner)
		}
	}
	s.jobs[job.ID] = job.clone()
	return s.commit(func() { delete(s.jobs, job.ID) })
}

func (s *Store) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound("job", id)
	}
	return job.clone(), nil
}

func (s *Store) ListJobs(_ context.Context, filter JobFilter) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Job, 0)
	for _, job := range s.jobs {
		if filter.CreatedBy != "" && job.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.AssignedRunner != "" && !job.AssignedTo(filter.AssignedRunner) {
			continue
		}
		result = append(result, *job.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return lessByCreation(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	return result, nil
}

func (s *Store) UpdateJob(_ context.Context, id string, fn func(job *Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound("job", id)
	}
	updated := job.clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	if updated.AssignedRunner != nil && !job.AssignedTo(*updated.AssignedRunner) {
		if _, ok := s.runners[*updated.AssignedRunner]; !ok {
			return nil, ErrValidation("assigned runner %s does not exist", *updated.AssignedRunner)
		}
	}
	updated.ID = job.ID
	updated.CreatedBy = job.CreatedBy
	updated.LocalWorkingDirectory = job.LocalWorkingDirectory
	updated.CreatedAt = job.CreatedAt
	updated.Version = job.Version + 1
	s.jobs[id] = updated
	if err := s.commit(func() { s.jobs[id] = job }); err != nil {
		return nil, err
	}
	return updated.clone(), nil
}

func (s *Store) DeleteJob(_ context.Context, id string) ([]JobResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound("job", id)
	}
	var removed []JobResource
	dropped := make(map[string]*JobResource)
	for resID, res := range s.resources {
		if res.JobID == id {
			removed = append(removed, *res)
			dropped[resID] = res
			delete(s.resources, resID)
		}
	}
	delete(s.jobs, id)
	err := s.commit(func() {
		s.jobs[id] = job
		for resID, res := range dropped {
			s.resources[resID] = res
		}
	})
	if err != nil {
		return nil, err
	}
	sortResources(removed)
	return removed, nil
}

func (s *Store) CreateResource(_ context.Context, resource *JobResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[resource.JobID]; !ok {
		return ErrNotFound("job", resource.JobID)
	}
	for _, existing := range s.resources {
		if existing.JobID == resource.JobID && existing.File == resource.File {
			return ErrDuplicate("resource %s already exists for job %s", resource.Filename, resource.JobID)
		}
	}
	if resource.ID == "" {
		resource.ID = uuid.NewString()
	}
	copyRes := *resource
	copyRes.CreatedBy = cloneString(resource.CreatedBy)
	s.resources[resource.ID] = &copyRes
	return s.commit(func() { delete(s.resources, resource.ID) })
}

func (s *Store) GetResource(_ context.Context, id string) (*JobResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[id]
	if !ok {
		return nil, ErrNotFound("resource", id)
	}
	out := *res
	out.CreatedBy = cloneString(res.CreatedBy)
	return &out, nil
}

func (s *Store) ListResources(_ context.Context, filter ResourceFilter) ([]JobResource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]JobResource, 0)
	for _, res := range s.resources {
		if filter.JobID != "" && res.JobID != filter.JobID {
			continue
		}
		if filter.ResourceType != "" && res.ResourceType != filter.ResourceType {
			continue
		}
		if filter.Filename != "" && !strings.Contains(strings.ToLower(res.File), strings.ToLower(filter.Filename)) {
			continue
		}
		if filter.JobOwner != "" || filter.AssignedRunner != "" {
			job, ok := s.jobs[res.JobID]
			if !ok {
				continue
			}
			if filter.JobOwner != "" && job.CreatedBy != filter.JobOwner {
				continue
			}
			if filter.AssignedRunner != "" && !job.AssignedTo(filter.AssignedRunner) {
				continue
			}
		}
		out := *res
		out.CreatedBy = cloneString(res.CreatedBy)
		result = append(result, out)
	}
	sortResources(result)
	return result, nil
}

func (s *Store) DeleteResource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return ErrNotFound("resource", id)
	}
	delete(s.resources, id)
	return s.commit(func() { s.resources[id] = res })
}

func copyRunner(r *Runner) *Runner {
	c := *r
	c.LastContact = cloneTime(r.LastContact)
	return &c
}

func sortResources(items []JobResource) {
	sort.Slice(items, func(i, j int) bool {
		return lessByCreation(items[i].CreatedAt, items[i].ID, items[j].CreatedAt, items[j].ID)
	})
}

func lessByCreation(at time.Time, id string, otherAt time.Time, otherID string) bool {
	if at.Equal(otherAt) {
		return id < otherID
	}
	return at.Before(otherAt)
}
