package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
)

func TestExtractRunnerToken(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Token test-token")

	token, err := ExtractRunnerToken(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "test-token" {
		t.Fatalf("unexpected token: %s", token)
	}
}

func TestExtractRunnerTokenLegacyHeader(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("token", "legacy-token")

	token, err := ExtractRunnerToken(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "legacy-token" {
		t.Fatalf("unexpected token: %s", token)
	}
}

func TestExtractRunnerTokenErrors(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)

	if _, err := ExtractRunnerToken(req); err != ErrMissingKey {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}

	req.Header.Set("Authorization", "Bearer abc")
	if _, err := ExtractRunnerToken(req); err != ErrInvalidPrefix {
		t.Fatalf("expected ErrInvalidPrefix, got %v", err)
	}

	req.Header.Set("Authorization", "Token ")
	if _, err := ExtractRunnerToken(req); err != ErrMissingKey {
		t.Fatalf("expected ErrMissingKey for empty token, got %v", err)
	}
}

func TestExtractOwner(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := ExtractOwner(req); err != ErrMissingOwner {
		t.Fatalf("expected ErrMissingOwner, got %v", err)
	}
	req.Header.Set(OwnerHeader, " alice ")
	owner, err := ExtractOwner(req)
	if err != nil || owner != "alice" {
		t.Fatalf("unexpected owner %q err %v", owner, err)
	}
}

func TestPrincipalContext(t *testing.T) {
	if _, ok := PrincipalFrom(context.Background()); ok {
		t.Fatalf("expected no principal on empty context")
	}
	ctx := WithPrincipal(context.Background(), controlplane.Principal{UserID: "alice"})
	p, ok := PrincipalFrom(ctx)
	if !ok || p.UserID != "alice" || p.IsRunner() {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	lenient := NewStaticDirectory(false)
	lenient.Set("bob", false)
	if active, _ := lenient.IsActive(ctx, "alice"); !active {
		t.Fatalf("unknown users should be active in lenient mode")
	}
	if active, _ := lenient.IsActive(ctx, "bob"); active {
		t.Fatalf("bob should be inactive")
	}

	strict := NewStaticDirectory(true)
	if active, _ := strict.IsActive(ctx, "alice"); active {
		t.Fatalf("unknown users should be inactive in strict mode")
	}
}
