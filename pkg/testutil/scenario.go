// Package testutil provides scenario helpers for handler and end-to-end tests.
package testutil

import (
	"net/http"
	"testing"

	"erpsplit/pkg/requestcontext"
)

// Given, When and Then name nested subtests after the step they describe.
func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Given "+desc, fn)
}

func When(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("When "+desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Then "+desc, fn)
}

// WithCaller sets what RequireAuth would put on the context, for tests that
// mount handlers without the auth middleware.
func WithCaller(req *http.Request, subject string, scopes ...string) *http.Request {
	ctx := requestcontext.WithSubject(req.Context(), subject)
	ctx = requestcontext.WithScopes(ctx, scopes)
	return req.WithContext(ctx)
}
