package controlplane

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestStorePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "fleet.json")
	ctx := context.Background()

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	registry := NewRegistry(store, nil, nil)
	runner, initial, err := registry.CreateRunner(ctx, "alice", "box")
	if err != nil {
		t.Fatalf("CreateRunner: %v", err)
	}
	_, token, err := registry.Register(ctx, runner.ID, initial)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	jobs := NewJobs(store, JobsConfig{})
	job, err := jobs.Create(ctx, Principal{UserID: "alice"}, Fields{"assigned_runner": []byte(`"` + runner.ID + `"`)})
	if err != nil {
		t.Fatalf("Create job: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	auth := NewAuthenticator(reloaded, nil)
	principal, err := auth.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate after reload: %v", err)
	}
	if principal.Runner.ID != runner.ID {
		t.Fatalf("expected runner %s, got %s", runner.ID, principal.Runner.ID)
	}
	if _, err := auth.Authenticate(ctx, initial); !IsKind(err, KindAuthenticationFailed) {
		t.Fatalf("expected revoked credential to fail, got %v", err)
	}
	got, err := reloaded.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !got.AssignedTo(runner.ID) || got.LocalWorkingDirectory != job.LocalWorkingDirectory {
		t.Fatalf("unexpected job after reload: %+v", got)
	}
}

func TestStoreUpdateJobKeepsImmutableFields(t *testing.T) {
	store, _ := NewStore("")
	ctx := context.Background()
	now := time.Now().UTC()
	job := &Job{ID: "j1", Name: "a", Status: JobStatusQueued, CreatedBy: "alice", LocalWorkingDirectory: "user_alice/job_j1", Version: 1, CreatedAt: now}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	updated, err := store.UpdateJob(ctx, "j1", func(j *Job) error {
		j.ID = "other"
		j.CreatedBy = "mallory"
		j.LocalWorkingDirectory = "/"
		j.Name = "b"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.ID != "j1" || updated.CreatedBy != "alice" || updated.LocalWorkingDirectory != "user_alice/job_j1" {
		t.Fatalf("immutable fields changed: %+v", updated)
	}
	if updated.Name != "b" || updated.Version != 2 {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	assigned := "ghost"
	if _, err := store.UpdateJob(ctx, "j1", func(j *Job) error {
		j.AssignedRunner = &assigned
		return nil
	}); !IsKind(err, KindValidation) {
		t.Fatalf("expected validation error for unknown runner, got %v", err)
	}
}

func TestStoreRollsBackWhenSaveFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	path := filepath.Join(dir, "fleet.json")
	ctx := context.Background()

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	registry := NewRegistry(store, nil, nil)
	runner, initial, err := registry.CreateRunner(ctx, "alice", "box")
	if err != nil {
		t.Fatalf("CreateRunner: %v", err)
	}
	jobs := NewJobs(store, JobsConfig{})
	job, err := jobs.Create(ctx, Principal{UserID: "alice"}, Fields{"assigned_runner": []byte(`"` + runner.ID + `"`)})
	if err != nil {
		t.Fatalf("Create job: %v", err)
	}

	// A plain file where the state directory should be makes every save fail.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove state dir: %v", err)
	}
	if err := os.WriteFile(dir, []byte("blocked"), 0o600); err != nil {
		t.Fatalf("block state dir: %v", err)
	}

	if _, token, err := registry.Register(ctx, runner.ID, initial); err == nil || token != "" {
		t.Fatalf("expected register to fail, got token=%q err=%v", token, err)
	}
	got, err := store.GetRunner(ctx, runner.ID)
	if err != nil {
		t.Fatalf("GetRunner: %v", err)
	}
	if got.State != RunnerStateUnregistered {
		t.Fatalf("expected failed register to leave runner unregistered, got %s", got.State)
	}

	if _, err := store.UpdateJob(ctx, job.ID, func(j *Job) error {
		j.Name = "renamed"
		return nil
	}); err == nil {
		t.Fatalf("expected job update to fail")
	}
	if err := registry.DeleteRunner(ctx, "alice", runner.ID); err == nil {
		t.Fatalf("expected runner delete to fail")
	}
	kept, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if kept.Version != job.Version || kept.Name != job.Name || !kept.AssignedTo(runner.ID) {
		t.Fatalf("failed writes leaked into job: %+v", kept)
	}

	if err := os.Remove(dir); err != nil {
		t.Fatalf("unblock state dir: %v", err)
	}
	if _, token, err := registry.Register(ctx, runner.ID, initial); err != nil || token == "" {
		t.Fatalf("expected register retry with the initial credential to succeed, got %v", err)
	}
}

func TestStoreDeleteRunnerUsesStoreClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(testEpoch)
	store, err := NewStore("", WithStoreClock(mock))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()
	registry := NewRegistry(store, mock, nil)
	runner, _, err := registry.CreateRunner(ctx, "alice", "box")
	if err != nil {
		t.Fatalf("CreateRunner: %v", err)
	}
	job, err := NewJobs(store, JobsConfig{Clock: mock}).Create(ctx, Principal{UserID: "alice"}, Fields{"assigned_runner": []byte(`"` + runner.ID + `"`)})
	if err != nil {
		t.Fatalf("Create job: %v", err)
	}

	mock.Add(time.Hour)
	if err := registry.DeleteRunner(ctx, "alice", runner.ID); err != nil {
		t.Fatalf("DeleteRunner: %v", err)
	}
	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.AssignedRunner != nil || !got.UpdatedAt.Equal(testEpoch.Add(time.Hour)) {
		t.Fatalf("unexpected job after runner delete: %+v", got)
	}
}
