// Package scope provides helpers to capture and restore the authenticated
// principal from/to context.Context.
//
// The API layer attaches the principal after authentication; admission
// control and stage middleware read it back without threading an extra
// parameter through every call.
package scope

import (
	"context"

	"github.com/finsight/finsight/id"
)

type principalKey struct{}

// WithPrincipal attaches a principal identity to the context.
// A nil principal is a no-op.
func WithPrincipal(ctx context.Context, p id.PrincipalID) context.Context {
	if p.IsNil() {
		return ctx
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// Principal extracts the principal identity from the context.
// Returns false if no principal is present.
func Principal(ctx context.Context) (id.PrincipalID, bool) {
	p, ok := ctx.Value(principalKey{}).(id.PrincipalID)
	return p, ok
}
