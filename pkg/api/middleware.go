package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/compute/fleet/pkg/auth"
	"github.com/vyvo/compute/fleet/pkg/controlplane"
	"github.com/vyvo/compute/fleet/pkg/telemetry"
)

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// recoverer turns a handler panic into an internal error envelope.
func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.respondError(w, r, controlplane.Internal("panic", fmt.Errorf("%v", rec)))
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records a span and request metrics labelled with the matched route.
func (s *server) instrument(next http.Handler) http.Handler {
	tracer := telemetry.Tracer("github.com/vyvo/compute/fleet/pkg/api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if s.metrics != nil {
			s.metrics.ObserveRequest(route, r.Method, status, time.Since(start).Seconds())
		}
	})
}

// ownerAuth trusts the identity provider's user header and rejects disabled accounts.
func (s *server) ownerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := auth.ExtractOwner(r)
		if err != nil {
			s.respondError(w, r, controlplane.ErrAuthFailed("Authentication credentials were not provided."))
			return
		}
		if s.users != nil {
			active, err := s.users.IsActive(r.Context(), owner)
			if err != nil {
				s.respondError(w, r, controlplane.Internal("lookup user", err))
				return
			}
			if !active {
				s.respondError(w, r, controlplane.ErrAuthFailed("User account is disabled."))
				return
			}
		}
		ctx := auth.WithPrincipal(r.Context(), controlplane.Principal{UserID: owner})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// runnerAuth resolves the runner credential and binds the runner to the request.
func (s *server) runnerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractRunnerToken(r)
		if err != nil {
			s.respondError(w, r, tokenError(err))
			return
		}
		principal, err := s.authn.Authenticate(r.Context(), token)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		ctx := auth.WithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tokenError(err error) error {
	if errors.Is(err, auth.ErrInvalidPrefix) {
		return controlplane.ErrAuthFailed("Invalid token header.")
	}
	return controlplane.ErrAuthFailed("Authentication credentials were not provided.")
}

// presentedToken returns the runner credential or an empty string. Pairing
// calls let the registry decide, so unregistered runners are reported as such
// even without a usable header.
func presentedToken(r *http.Request) string {
	token, err := auth.ExtractRunnerToken(r)
	if err != nil {
		return ""
	}
	return token
}

func principal(r *http.Request) controlplane.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}
