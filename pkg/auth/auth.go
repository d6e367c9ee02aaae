package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
)

const (
	// OwnerHeader carries the user id asserted by the upstream identity provider.
	OwnerHeader = "X-User-ID"
	// LegacyTokenHeader is the bare credential header older agents send.
	LegacyTokenHeader = "token"

	tokenPrefix = "Token "
)

var (
	// ErrMissingKey indicates that no runner credential was provided.
	ErrMissingKey = errors.New("missing runner token")
	// ErrInvalidPrefix indicates the Authorization header did not use the Token prefix.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
	// ErrMissingOwner indicates the owner identity header was absent.
	ErrMissingOwner = errors.New("missing user identity")
)

// ExtractRunnerToken parses `Authorization: Token <credential>`, falling back to
// the legacy token header when Authorization is absent.
func ExtractRunnerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		legacy := strings.TrimSpace(r.Header.Get(LegacyTokenHeader))
		if legacy == "" {
			return "", ErrMissingKey
		}
		return legacy, nil
	}

	if !strings.HasPrefix(header, tokenPrefix) {
		return "", ErrInvalidPrefix
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, tokenPrefix))
	if token == "" {
		return "", ErrMissingKey
	}

	return token, nil
}

// ExtractOwner returns the user id set by the identity provider.
func ExtractOwner(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
	if owner == "" {
		return "", ErrMissingOwner
	}
	return owner, nil
}

type principalKey struct{}

// WithPrincipal stores the authenticated caller on ctx.
func WithPrincipal(ctx context.Context, p controlplane.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (controlplane.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(controlplane.Principal)
	return p, ok
}

// StaticDirectory is an in-memory user directory. Unknown users are active
// unless the directory is strict.
type StaticDirectory struct {
	mu     sync.RWMutex
	users  map[string]bool
	strict bool
}

func NewStaticDirectory(strict bool) *StaticDirectory {
	return &StaticDirectory{users: make(map[string]bool), strict: strict}
}

// Set records whether a user account is active.
func (d *StaticDirectory) Set(userID string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = active
}

func (d *StaticDirectory) IsActive(_ context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	active, ok := d.users[userID]
	if !ok {
		return !d.strict, nil
	}
	return active, nil
}

var _ controlplane.UserDirectory = (*StaticDirectory)(nil)
