package controlplane

import (
	"context"
)

// UserDirectory is the identity provider view the control plane needs.
type UserDirectory interface {
	IsActive(ctx context.Context, userID string) (bool, error)
}

// Authenticator resolves runner credentials to a principal bound to its runner.
type Authenticator struct {
	repo  Repository
	users UserDirectory
}

// NewAuthenticator builds an Authenticator. A nil directory treats every owner as active.
func NewAuthenticator(repo Repository, users UserDirectory) *Authenticator {
	return &Authenticator{repo: repo, users: users}
}

// Authenticate looks up the runner holding presented and checks its owner is active.
func (a *Authenticator) Authenticate(ctx context.Context, presented string) (Principal, error) {
	if presented == "" {
		return Principal{}, ErrAuthFailed("Authentication credentials were not provided.")
	}
	runner, err := a.repo.FindRunnerByCredential(ctx, DigestCredential(presented))
	if err != nil {
		return Principal{}, err
	}
	if !runner.Registered() {
		return Principal{}, ErrUnregistered(runner.ID)
	}
	if a.users != nil {
		active, err := a.users.IsActive(ctx, runner.Owner)
		if err != nil {
			return Principal{}, Internal("lookup runner owner", err)
		}
		if !active {
			return Principal{}, ErrAuthFailed("User account is disabled.")
		}
	}
	return Principal{UserID: runner.Owner, Runner: runner}, nil
}
