package controlplane

import (
	"context"
	"errors"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const maxRunnerNameLength = 100

// Registry owns runner identity, credentials, health state and hardware info.
type Registry struct {
	repo   Repository
	clock  clock.Clock
	logger Logger
}

func NewRegistry(repo Repository, clk clock.Clock, logger Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{repo: repo, clock: clk, logger: loggerOrNop(logger)}
}

// CreateRunner creates an UNREGISTERED runner for owner and returns the
// initial credential. The plaintext is never stored.
func (r *Registry) CreateRunner(ctx context.Context, owner, name string) (*Runner, string, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, "", ErrAuthFailed("Authentication credentials were not provided.")
	}
	now := r.clock.Now().UTC()
	id := uuid.NewString()
	name, err := normalizeRunnerName(name, id)
	if err != nil {
		return nil, "", err
	}
	credential, plaintext, err := issueCredential(now)
	if err != nil {
		return nil, "", Internal("issue runner credential", err)
	}
	runner := &Runner{
		ID:        id,
		Name:      name,
		Owner:     owner,
		State:     RunnerStateUnregistered,
		CreatedAt: now,
	}
	credential.RunnerID = id
	if err := r.repo.CreateRunner(ctx, runner, credential); err != nil {
		return nil, "", err
	}
	r.logger.Info("runner created", "runner_id", id, "owner", owner)
	return runner, plaintext, nil
}

// DeleteRunner removes a runner owned by requester. Jobs assigned to it are
// kept with their assignment cleared.
func (r *Registry) DeleteRunner(ctx context.Context, requester, runnerID string) error {
	runner, err := r.repo.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if runner.Owner != requester {
		return ErrPermissionDenied("You do not own runner %s", runnerID)
	}
	if err := r.repo.DeleteRunner(ctx, runnerID); err != nil {
		return err
	}
	r.logger.Info("runner deleted", "runner_id", runnerID, "owner", requester)
	return nil
}

// Register completes the pairing handshake. The presented credential is
// revoked and a new one is returned; callers must persist it.
func (r *Registry) Register(ctx context.Context, runnerID, presented string) (*Runner, string, error) {
	if presented == "" {
		return nil, "", ErrAuthFailed("Authentication credentials were not provided.")
	}
	var plaintext string
	runner, err := r.repo.MutateRunner(ctx, runnerID, func(runner *Runner, active *Credential) (*Credential, error) {
		if !active.Matches(presented) {
			return nil, ErrAuthFailed("Invalid runner token.")
		}
		now := r.clock.Now().UTC()
		next, secret, err := issueCredential(now)
		if err != nil {
			return nil, Internal("issue runner credential", err)
		}
		plaintext = secret
		runner.State = RunnerStateIdle
		runner.LastContact = &now
		return next, nil
	})
	if err != nil {
		return nil, "", err
	}
	r.logger.Info("runner registered", "runner_id", runnerID)
	return runner, plaintext, nil
}

// authorize applies the runner-call precedence: unregistered before any
// credential check, then missing credential, then mismatch.
func authorize(runner *Runner, active *Credential, presented string) error {
	if !runner.Registered() {
		return ErrUnregistered(runner.ID)
	}
	if presented == "" {
		return ErrAuthFailed("Authentication credentials were not provided.")
	}
	if !active.Matches(presented) {
		return ErrAuthFailed("Invalid runner token.")
	}
	return nil
}

var errAuthorizedOnly = errors.New("authorized")

// Authorize checks a runner credential with the same precedence as Heartbeat
// without changing the runner.
func (r *Registry) Authorize(ctx context.Context, runnerID, presented string) error {
	_, err := r.repo.MutateRunner(ctx, runnerID, func(runner *Runner, active *Credential) (*Credential, error) {
		if err := authorize(runner, active, presented); err != nil {
			return nil, err
		}
		return nil, errAuthorizedOnly
	})
	if errors.Is(err, errAuthorizedOnly) {
		return nil
	}
	return err
}

// Heartbeat records liveness and the state reported by the runner.
func (r *Registry) Heartbeat(ctx context.Context, runnerID, presented, state string) (*Runner, error) {
	return r.repo.MutateRunner(ctx, runnerID, func(runner *Runner, active *Credential) (*Credential, error) {
		if err := authorize(runner, active, presented); err != nil {
			return nil, err
		}
		next, ok := ParseRunnerState(state)
		if !ok || next == RunnerStateUnregistered {
			return nil, ErrValidation("Invalid state: %q", state)
		}
		now := r.clock.Now().UTC()
		runner.State = next
		runner.LastContact = &now
		return nil, nil
	})
}

// UpdateSystemInfo applies whitelisted hardware fields reported by the runner.
func (r *Registry) UpdateSystemInfo(ctx context.Context, runnerID, presented string, fields Fields) (*SystemInfo, error) {
	_, err := r.repo.MutateRunner(ctx, runnerID, func(runner *Runner, active *Credential) (*Credential, error) {
		if err := authorize(runner, active, presented); err != nil {
			return nil, err
		}
		var scratch SystemInfo
		if err := ApplySystemInfoFields(&scratch, fields); err != nil {
			return nil, err
		}
		now := r.clock.Now().UTC()
		runner.LastContact = &now
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return r.repo.UpdateSystemInfo(ctx, runnerID, func(info *SystemInfo) error {
		return ApplySystemInfoFields(info, fields)
	})
}

// ListOwned returns every runner owned by owner.
func (r *Registry) ListOwned(ctx context.Context, owner string) ([]Runner, error) {
	return r.repo.ListRunners(ctx, owner)
}

// GetOwned returns a runner only when owner owns it.
func (r *Registry) GetOwned(ctx context.Context, owner, runnerID string) (*Runner, error) {
	runner, err := r.repo.GetRunner(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	if runner.Owner != owner {
		return nil, ErrNotFound("runner", runnerID)
	}
	return runner, nil
}

// Rename changes the display name of an owned runner.
func (r *Registry) Rename(ctx context.Context, owner, runnerID, name string) (*Runner, error) {
	if _, err := r.GetOwned(ctx, owner, runnerID); err != nil {
		return nil, err
	}
	return r.rename(ctx, runnerID, name)
}

// RenameSelf lets an authenticated runner change its own name.
func (r *Registry) RenameSelf(ctx context.Context, runnerID, name string) (*Runner, error) {
	return r.rename(ctx, runnerID, name)
}

func (r *Registry) rename(ctx context.Context, runnerID, name string) (*Runner, error) {
	name, err := normalizeRunnerName(name, "")
	if err != nil {
		return nil, err
	}
	return r.repo.MutateRunner(ctx, runnerID, func(runner *Runner, _ *Credential) (*Credential, error) {
		runner.Name = name
		return nil, nil
	})
}

// GetStatus returns the liveness view of the owner's runners.
func (r *Registry) GetStatus(ctx context.Context, owner string) ([]RunnerStatus, error) {
	runners, err := r.repo.ListRunners(ctx, owner)
	if err != nil {
		return nil, err
	}
	statuses := make([]RunnerStatus, 0, len(runners))
	for _, runner := range runners {
		statuses = append(statuses, RunnerStatus{ID: runner.ID, State: runner.State, LastContact: runner.LastContact})
	}
	return statuses, nil
}

// GetSystemInfo returns hardware info for the owner's runners.
func (r *Registry) GetSystemInfo(ctx context.Context, owner string) ([]SystemInfo, error) {
	return r.repo.ListSystemInfo(ctx, owner)
}

func normalizeRunnerName(name, id string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if id == "" {
			return "", ErrValidation("runner name cannot be empty")
		}
		return "runner-" + id[:8], nil
	}
	if len(name) > maxRunnerNameLength {
		return "", ErrValidation("runner name must be at most %d characters", maxRunnerNameLength)
	}
	return name, nil
}
